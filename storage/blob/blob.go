// Package blob implements a storage engine on Go CDK buckets.  Each dataset is one blob
// object named by its path, and dataset attributes are kept as blob metadata.
//
// Buckets are referenced by URL, e.g., "file:///data/voxflow" or "mem://".  An optional
// "prefix" setting confines the store to part of a bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/blang/semver"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		voxflow.Errorf("Unable to make semver in blob: %v\n", err)
	}
	storage.RegisterEngine(Engine{"blob", "Go CDK blob bucket", ver})
}

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore opens the bucket given by the "url" setting.
func (e Engine) NewStore(config storage.Config) (storage.Store, error) {
	ref, found, err := config.GetString("url")
	if err != nil {
		return nil, err
	}
	if !found || ref == "" {
		return nil, fmt.Errorf("%q must be specified for blob configuration", "url")
	}
	prefix, _, err := config.GetString("prefix")
	if err != nil {
		return nil, err
	}
	bucket, err := OpenBucket(context.Background(), ref, prefix)
	if err != nil {
		return nil, err
	}
	return &Store{ref: ref, bucket: bucket}, nil
}

// OpenBucket returns a bucket for the given URL.  If prefix is not empty, the bucket only
// sees objects below it.
func OpenBucket(ctx context.Context, ref, prefix string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, ref)
	if err != nil {
		voxflow.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
		return nil, err
	}
	if prefix = storage.GroupPrefix(prefix); prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return bucket, nil
}

// Store is a storage.Store over a blob bucket.
type Store struct {
	ref    string
	bucket *blob.Bucket
}

func (s *Store) String() string {
	return fmt.Sprintf("blob @ %s", s.ref)
}

func (s *Store) Close() error {
	if s == nil || s.bucket == nil {
		return nil
	}
	err := s.bucket.Close()
	s.bucket = nil
	return err
}

func (s *Store) PutDataset(ctx context.Context, path string, data []byte, attrs storage.Attrs) error {
	if s == nil || s.bucket == nil {
		return fmt.Errorf("can't put %s into closed blob store", path)
	}
	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    make(map[string]string, len(attrs)),
	}
	for k, v := range attrs {
		opts.Metadata[strings.ToLower(k)] = v
	}
	if err := s.bucket.WriteAll(ctx, storage.JoinPath(path), data, opts); err != nil {
		return fmt.Errorf("writing dataset %s to %s: %v", path, s, err)
	}
	return nil
}

func (s *Store) GetDataset(ctx context.Context, path string) ([]byte, storage.Attrs, error) {
	if s == nil || s.bucket == nil {
		return nil, nil, fmt.Errorf("can't get %s from closed blob store", path)
	}
	key := storage.JoinPath(path)
	attrs, err := s.bucket.Attributes(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil, fmt.Errorf("dataset %s in %s: %w", path, s, storage.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("reading dataset %s from %s: %v", path, s, err)
	}
	return data, storage.Attrs(attrs.Metadata), nil
}

func (s *Store) ListGroup(ctx context.Context, group string) ([]string, error) {
	if s == nil || s.bucket == nil {
		return nil, fmt.Errorf("can't list %s in closed blob store", group)
	}
	prefix := storage.GroupPrefix(group)
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	var names []string
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if name, ok := storage.ChildName(group, strings.TrimSuffix(obj.Key, "/")); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (s *Store) DeleteGroup(ctx context.Context, group string) error {
	if s == nil || s.bucket == nil {
		return fmt.Errorf("can't delete %s in closed blob store", group)
	}
	it := s.bucket.List(&blob.ListOptions{Prefix: storage.GroupPrefix(group)})
	var deleted int
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("deleting %s from %s: %v", obj.Key, s, err)
		}
		deleted++
	}
	voxflow.Debugf("Deleted %d datasets of group %s from %s\n", deleted, group, s)
	return nil
}

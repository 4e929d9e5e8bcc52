// Package badger implements a storage engine on BadgerDB.  Each dataset is one key-value
// pair keyed by its path, with attributes and data packed in a msgpack record.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// deleteBatchSize is the number of deletions flushed at once when removing a group.
const deleteBatchSize = 1000

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		voxflow.Errorf("Unable to make semver in badger: %v\n", err)
	}
	storage.RegisterEngine(Engine{"badger", "BadgerDB", ver})
}

// --- Engine Implementation ------

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

// NewStore returns a badger store.  The config must contain a "path" string unless the
// "in_memory" bool is set.  See getOptions for tuning settings.
func (e Engine) NewStore(config storage.Config) (storage.Store, error) {
	return e.newDB(config)
}

// logger routes badger messages to the voxflow log.
type logger struct{}

func (logger) Errorf(format string, args ...interface{})   { voxflow.Errorf(format, args...) }
func (logger) Warningf(format string, args ...interface{}) { voxflow.Warningf(format, args...) }
func (logger) Infof(format string, args ...interface{})    { voxflow.Debugf(format, args...) }
func (logger) Debugf(format string, args ...interface{})   { voxflow.Debugf(format, args...) }

func (e Engine) newDB(config storage.Config) (*BadgerDB, error) {
	path, opts, err := getOptions(config)
	if err != nil {
		return nil, err
	}
	if !opts.InMemory {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			voxflow.Infof("Database not already at path (%s). Creating directory...\n", path)
			if err := os.MkdirAll(path, 0744); err != nil {
				return nil, fmt.Errorf("can't make directory at %s: %v", path, err)
			}
		}
	}

	timedLog := voxflow.NewTimeLog()
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	timedLog.Infof("Opened badger @ %s", path)
	return &BadgerDB{directory: path, bdp: bdp}, nil
}

// --- The BadgerDB Implementation must satisfy a storage.Store interface ----

type BadgerDB struct {
	directory string
	bdp       *badger.DB
}

func (db *BadgerDB) String() string {
	return fmt.Sprintf("badger @ %s", db.directory)
}

// Close closes the BadgerDB.
func (db *BadgerDB) Close() error {
	if db == nil || db.bdp == nil {
		return nil
	}
	err := db.bdp.Close()
	db.bdp = nil
	voxflow.Infof("Closed Badger DB @ %s\n", db.directory)
	return err
}

func (db *BadgerDB) PutDataset(ctx context.Context, path string, data []byte, attrs storage.Attrs) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't put %s into closed BadgerDB", path)
	}
	value, err := record{Attrs: attrs, Data: data}.MarshalMsg(nil)
	if err != nil {
		return err
	}
	key := []byte(storage.JoinPath(path))
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (db *BadgerDB) GetDataset(ctx context.Context, path string) ([]byte, storage.Attrs, error) {
	if db == nil || db.bdp == nil {
		return nil, nil, fmt.Errorf("can't get %s from closed BadgerDB", path)
	}
	var value []byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(storage.JoinPath(path)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("dataset %s in %s: %w", path, db, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	var rec record
	if _, err := rec.UnmarshalMsg(value); err != nil {
		return nil, nil, fmt.Errorf("decoding dataset %s: %v", path, err)
	}
	return rec.Data, rec.Attrs, nil
}

// keysInGroup returns every key within a group.
func (db *BadgerDB) keysInGroup(ctx context.Context, group string) ([][]byte, error) {
	prefix := []byte(storage.GroupPrefix(group))
	var keys [][]byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (db *BadgerDB) ListGroup(ctx context.Context, group string) ([]string, error) {
	if db == nil || db.bdp == nil {
		return nil, fmt.Errorf("can't list %s in closed BadgerDB", group)
	}
	keys, err := db.keysInGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		if name, ok := storage.ChildName(group, string(key)); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (db *BadgerDB) DeleteGroup(ctx context.Context, group string) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't delete %s in closed BadgerDB", group)
	}
	keys, err := db.keysInGroup(ctx, group)
	if err != nil {
		return err
	}
	wb := db.bdp.NewWriteBatch()
	for i, key := range keys {
		if err := wb.Delete(key); err != nil {
			wb.Cancel()
			return err
		}
		if (i+1)%deleteBatchSize == 0 {
			if err := wb.Flush(); err != nil {
				return fmt.Errorf("flushing deletion of group %s at key %d: %v", group, i, err)
			}
			wb = db.bdp.NewWriteBatch()
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing deletion of group %s: %v", group, err)
	}
	voxflow.Debugf("Deleted %d datasets of group %s from %s\n", len(keys), group, db)
	return nil
}

package rag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/blang/semver"
	"github.com/tinylib/msgp/msgp"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// FormatVersion is the version of the stored Rag layout.  Stores with a different major
// version cannot be read.
var FormatVersion = semver.MustParse("1.0.0")

const (
	formatVersionAttr = "format_version"
	numEdgesAttr      = "num_edges"

	edgesDataset  = "edges"
	labelsDataset = "labels"
)

// edgeTable is the stored form of the graph: the searched axes, the sorted edge table
// and the superpixel ids.
type edgeTable struct {
	Axes  string
	SP1   []uint64
	SP2   []uint64
	SpIDs []uint64
}

func appendUint64s(o []byte, vals []uint64) []byte {
	o = msgp.AppendArrayHeader(o, uint32(len(vals)))
	for _, v := range vals {
		o = msgp.AppendUint64(o, v)
	}
	return o
}

func readUint64s(bts []byte) (vals []uint64, o []byte, err error) {
	var n uint32
	if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return
	}
	vals = make([]uint64, n)
	for i := range vals {
		if vals[i], bts, err = msgp.ReadUint64Bytes(bts); err != nil {
			return
		}
	}
	o = bts
	return
}

// MarshalMsg implements msgp.Marshaler
func (z *edgeTable) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendArrayHeader(o, 4)
	o = msgp.AppendString(o, z.Axes)
	o = appendUint64s(o, z.SP1)
	o = appendUint64s(o, z.SP2)
	o = appendUint64s(o, z.SpIDs)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *edgeTable) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var sz uint32
	if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
		return
	}
	if sz != 4 {
		err = msgp.ArrayError{Wanted: 4, Got: sz}
		return
	}
	if z.Axes, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return
	}
	if z.SP1, bts, err = readUint64s(bts); err != nil {
		return
	}
	if z.SP2, bts, err = readUint64s(bts); err != nil {
		return
	}
	if z.SpIDs, bts, err = readUint64s(bts); err != nil {
		return
	}
	o = bts
	return
}

func (z *edgeTable) Msgsize() int {
	return msgp.ArrayHeaderSize + msgp.StringPrefixSize + len(z.Axes) +
		3*msgp.ArrayHeaderSize + (len(z.SP1)+len(z.SP2)+len(z.SpIDs))*msgp.Uint64Size
}

func (r *Rag) table() *edgeTable {
	t := &edgeTable{
		Axes:  r.Axes(),
		SP1:   make([]uint64, len(r.edgeIDs)),
		SP2:   make([]uint64, len(r.edgeIDs)),
		SpIDs: r.spIDs,
	}
	for i, e := range r.edgeIDs {
		t.SP1[i], t.SP2[i] = e.SP1, e.SP2
	}
	return t
}

// Serialize stores the graph in group, replacing what was there.  The label volume is
// only stored if saveLabels is set; otherwise it must be handed to Deserialize.
func (r *Rag) Serialize(ctx context.Context, store storage.Store, group string, saveLabels bool) error {
	if err := store.DeleteGroup(ctx, group); err != nil {
		return fmt.Errorf("clearing rag group %s: %v", group, err)
	}
	b, err := r.table().MarshalMsg(nil)
	if err != nil {
		return err
	}
	b, err = voxflow.SerializeData(b, voxflow.Snappy, voxflow.CRC32)
	if err != nil {
		return err
	}
	attrs := storage.Attrs{
		formatVersionAttr: FormatVersion.String(),
		numEdgesAttr:      strconv.Itoa(len(r.edgeIDs)),
	}
	if err := store.PutDataset(ctx, storage.JoinPath(group, edgesDataset), b, attrs); err != nil {
		return fmt.Errorf("storing rag edges in %s: %v", group, err)
	}
	if saveLabels {
		lb, err := r.labels.Serialize(voxflow.Zstd, voxflow.CRC32)
		if err != nil {
			return err
		}
		if err := store.PutDataset(ctx, storage.JoinPath(group, labelsDataset), lb, nil); err != nil {
			return fmt.Errorf("storing rag labels in %s: %v", group, err)
		}
	}
	voxflow.Infof("Stored rag with %d edges in %s/%s\n", len(r.edgeIDs), store, group)
	return nil
}

// Deserialize loads a graph stored by Serialize.  Stored labels take precedence; if none
// were stored, labels must be given.  The graph is rebuilt from the labels and must match
// the stored edge table.
func Deserialize(ctx context.Context, store storage.Store, group string, labels *array5d.Array5D) (*Rag, error) {
	b, attrs, err := store.GetDataset(ctx, storage.JoinPath(group, edgesDataset))
	if err != nil {
		return nil, err
	}
	vstr, found := attrs.Get(formatVersionAttr)
	if !found {
		return nil, fmt.Errorf("rag in %s has no %s", group, formatVersionAttr)
	}
	ver, err := semver.Parse(vstr)
	if err != nil {
		return nil, fmt.Errorf("rag in %s: %v", group, err)
	}
	if ver.Major != FormatVersion.Major {
		return nil, fmt.Errorf("rag in %s has format %s, can only read %d.x", group, ver, FormatVersion.Major)
	}
	b, _, err = voxflow.DeserializeData(b, true)
	if err != nil {
		return nil, err
	}
	var stored edgeTable
	if _, err := stored.UnmarshalMsg(b); err != nil {
		return nil, fmt.Errorf("decoding rag edges in %s: %v", group, err)
	}

	lb, _, err := store.GetDataset(ctx, storage.JoinPath(group, labelsDataset))
	switch {
	case err == nil:
		if labels, err = array5d.Deserialize(lb); err != nil {
			return nil, fmt.Errorf("decoding rag labels in %s: %v", group, err)
		}
	case errors.Is(err, storage.ErrNotFound):
		if labels == nil {
			return nil, fmt.Errorf("rag in %s was stored without labels and none were given", group)
		}
	default:
		return nil, err
	}

	r, err := New(ctx, labels)
	if err != nil {
		return nil, err
	}
	if got := r.table(); got.Axes != stored.Axes || !slices.Equal(got.SP1, stored.SP1) ||
		!slices.Equal(got.SP2, stored.SP2) || !slices.Equal(got.SpIDs, stored.SpIDs) {
		return nil, fmt.Errorf("labels give %d edges along %q, rag in %s has %d along %q: %w",
			len(got.SP1), got.Axes, group, len(stored.SP1), stored.Axes, voxflow.ErrShapeMismatch)
	}
	return r, nil
}

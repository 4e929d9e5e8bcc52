package badger

import (
	"context"
	"errors"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/voxflow/storage"
)

func Test(t *testing.T) { TestingT(t) }

type BadgerSuite struct {
	store storage.Store
}

var _ = Suite(&BadgerSuite{})

func (s *BadgerSuite) SetUpTest(c *C) {
	var err error
	s.store, err = storage.NewStore(storage.Config{
		Engine:   "badger",
		Settings: map[string]interface{}{"in_memory": true},
	})
	c.Assert(err, IsNil)
}

func (s *BadgerSuite) TearDownTest(c *C) {
	c.Assert(s.store.Close(), IsNil)
}

func (s *BadgerSuite) TestPutGet(c *C) {
	ctx := context.Background()
	attrs := storage.Attrs{"blockSlice": "[0:1,0:1,0:10,0:10,0:1]"}
	c.Assert(s.store.PutDataset(ctx, "labels/0/block0000", []byte{1, 2, 3}, attrs), IsNil)

	data, got, err := s.store.GetDataset(ctx, "labels/0/block0000")
	c.Assert(err, IsNil)
	c.Assert(data, DeepEquals, []byte{1, 2, 3})
	v, found := got.Get("blockSlice")
	c.Assert(found, Equals, true)
	c.Assert(v, Equals, attrs["blockSlice"])

	// replace
	c.Assert(s.store.PutDataset(ctx, "labels/0/block0000", []byte{4}, nil), IsNil)
	data, got, err = s.store.GetDataset(ctx, "labels/0/block0000")
	c.Assert(err, IsNil)
	c.Assert(data, DeepEquals, []byte{4})
	c.Assert(got, HasLen, 0)
}

func (s *BadgerSuite) TestNotFound(c *C) {
	_, _, err := s.store.GetDataset(context.Background(), "labels/9/block0000")
	c.Assert(errors.Is(err, storage.ErrNotFound), Equals, true)
}

func (s *BadgerSuite) TestGroups(c *C) {
	ctx := context.Background()
	for _, p := range []string{"labels/1/block0001", "labels/1/block0000", "labels/0/block0000", "labelsX/0", "rag/edges"} {
		c.Assert(s.store.PutDataset(ctx, p, []byte(p), nil), IsNil)
	}
	names, err := s.store.ListGroup(ctx, "labels")
	c.Assert(err, IsNil)
	c.Assert(names, DeepEquals, []string{"0", "1"})

	names, err = s.store.ListGroup(ctx, "labels/1")
	c.Assert(err, IsNil)
	c.Assert(names, DeepEquals, []string{"block0000", "block0001"})

	c.Assert(s.store.DeleteGroup(ctx, "labels"), IsNil)
	names, err = s.store.ListGroup(ctx, "labels")
	c.Assert(err, IsNil)
	c.Assert(names, HasLen, 0)

	// siblings sharing a name prefix survive
	data, _, err := s.store.GetDataset(ctx, "labelsX/0")
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "labelsX/0")

	c.Assert(s.store.DeleteGroup(ctx, "missing"), IsNil)
}

func (s *BadgerSuite) TestDeleteManyBatches(c *C) {
	ctx := context.Background()
	n := deleteBatchSize + 10
	for i := 0; i < n; i++ {
		path := storage.JoinPath("big", string(rune('a'+i%26)), string(rune('a'+i/26%26))+string(rune('a'+i/676)))
		c.Assert(s.store.PutDataset(ctx, path, nil, nil), IsNil)
	}
	c.Assert(s.store.DeleteGroup(ctx, "big"), IsNil)
	names, err := s.store.ListGroup(ctx, "big")
	c.Assert(err, IsNil)
	c.Assert(names, HasLen, 0)
}

func (s *BadgerSuite) TestOnDisk(c *C) {
	dir := c.MkDir()
	config := storage.Config{Engine: "badger", Settings: map[string]interface{}{"path": dir}}
	store, err := storage.NewStore(config)
	c.Assert(err, IsNil)
	c.Assert(store.PutDataset(context.Background(), "a/b", []byte("persisted"), storage.Attrs{"k": "v"}), IsNil)
	c.Assert(store.Close(), IsNil)

	store, err = storage.NewStore(config)
	c.Assert(err, IsNil)
	defer store.Close()
	data, attrs, err := store.GetDataset(context.Background(), "a/b")
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "persisted")
	c.Assert(attrs["k"], Equals, "v")
}

func (s *BadgerSuite) TestMissingPath(c *C) {
	_, err := storage.NewStore(storage.Config{Engine: "badger"})
	c.Assert(err, ErrorMatches, `"path" must be specified.*`)
}

func TestRecordRoundTrip(t *testing.T) {
	rec := record{Attrs: storage.Attrs{"a": "1", "blockSlice": "[:,:,:,:,:]"}, Data: []byte("payload")}
	b, err := rec.MarshalMsg(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) > rec.Msgsize() {
		t.Errorf("encoded %d bytes, Msgsize bound %d", len(b), rec.Msgsize())
	}
	var got record
	left, err := got.UnmarshalMsg(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("%d bytes left over", len(left))
	}
	if string(got.Data) != "payload" || got.Attrs["blockSlice"] != "[:,:,:,:,:]" || len(got.Attrs) != 2 {
		t.Errorf("bad decoded record: %v", got)
	}
	if _, err := got.UnmarshalMsg(b[:len(b)-2]); err == nil {
		t.Errorf("expected error on truncated record")
	}
}

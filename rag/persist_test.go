package rag

import (
	"context"
	"errors"

	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/voxflow/storage"
	_ "github.com/janelia-flyem/voxflow/storage/blob"
	"github.com/janelia-flyem/voxflow/voxflow"
)

type PersistSuite struct {
	store storage.Store
}

var _ = Suite(&PersistSuite{})

func (s *PersistSuite) SetUpTest(c *C) {
	var err error
	s.store, err = storage.NewStore(storage.Config{Engine: "blob", Settings: map[string]interface{}{"url": "mem://"}})
	c.Assert(err, IsNil)
}

func (s *PersistSuite) TearDownTest(c *C) {
	c.Assert(s.store.Close(), IsNil)
}

func (s *PersistSuite) TestWithLabels(c *C) {
	ctx := context.Background()
	r, err := New(ctx, cellLabels(c))
	c.Assert(err, IsNil)
	c.Assert(r.Serialize(ctx, s.store, "project/rag", true), IsNil)

	loaded, err := Deserialize(ctx, s.store, "project/rag", nil)
	c.Assert(err, IsNil)
	c.Assert(loaded.EdgeIDs(), DeepEquals, r.EdgeIDs())
	c.Assert(loaded.SpIDs(), DeepEquals, r.SpIDs())
	c.Assert(loaded.Labels().Equal(r.Labels()), Equals, true)
}

func (s *PersistSuite) TestInjectedLabels(c *C) {
	ctx := context.Background()
	r, err := New(ctx, cellLabels(c))
	c.Assert(err, IsNil)
	c.Assert(r.Serialize(ctx, s.store, "rag", false), IsNil)

	names, err := s.store.ListGroup(ctx, "rag")
	c.Assert(err, IsNil)
	c.Assert(names, DeepEquals, []string{"edges"})

	_, err = Deserialize(ctx, s.store, "rag", nil)
	c.Assert(err, ErrorMatches, ".*stored without labels.*")

	loaded, err := Deserialize(ctx, s.store, "rag", cellLabels(c))
	c.Assert(err, IsNil)
	c.Assert(loaded.NumEdges(), Equals, 24)

	_, err = Deserialize(ctx, s.store, "rag", quadrants(c))
	c.Assert(errors.Is(err, voxflow.ErrShapeMismatch), Equals, true)
}

func (s *PersistSuite) TestFormatVersion(c *C) {
	ctx := context.Background()
	r, err := New(ctx, splitLabels(c, 1, 2))
	c.Assert(err, IsNil)
	c.Assert(r.Serialize(ctx, s.store, "rag", true), IsNil)

	path := storage.JoinPath("rag", edgesDataset)
	b, attrs, err := s.store.GetDataset(ctx, path)
	c.Assert(err, IsNil)
	v, _ := attrs.Get(formatVersionAttr)
	c.Assert(v, Equals, FormatVersion.String())
	n, _ := attrs.Get(numEdgesAttr)
	c.Assert(n, Equals, "1")

	c.Assert(s.store.PutDataset(ctx, path, b, storage.Attrs{formatVersionAttr: "2.0.0"}), IsNil)
	_, err = Deserialize(ctx, s.store, "rag", nil)
	c.Assert(err, ErrorMatches, ".*can only read 1.x")

	_, err = Deserialize(ctx, s.store, "missing", nil)
	c.Assert(errors.Is(err, storage.ErrNotFound), Equals, true)
}

func (s *PersistSuite) TestEdgeTableEncoding(c *C) {
	in := &edgeTable{Axes: "xy", SP1: []uint64{1, 1}, SP2: []uint64{2, 3}, SpIDs: []uint64{1, 2, 3}}
	b, err := in.MarshalMsg(nil)
	c.Assert(err, IsNil)
	c.Assert(len(b) <= in.Msgsize(), Equals, true)
	var out edgeTable
	left, err := out.UnmarshalMsg(b)
	c.Assert(err, IsNil)
	c.Assert(left, HasLen, 0)
	c.Assert(&out, DeepEquals, in)
}

package rag

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// FeatureTable holds one row per edge: the superpixel pair followed by the feature
// columns in request order, edge features first.
type FeatureTable struct {
	Columns []string
	SP1     []uint64
	SP2     []uint64
	Values  [][]float64
}

func newFeatureTable(edges []EdgeID) *FeatureTable {
	t := &FeatureTable{
		SP1: make([]uint64, len(edges)),
		SP2: make([]uint64, len(edges)),
	}
	for i, e := range edges {
		t.SP1[i], t.SP2[i] = e.SP1, e.SP2
	}
	return t
}

func (t *FeatureTable) add(name string, values []float64) {
	t.Columns = append(t.Columns, name)
	t.Values = append(t.Values, values)
}

// NumRows returns the number of edges in the table.
func (t *FeatureTable) NumRows() int {
	return len(t.SP1)
}

// Column returns the values of a named feature column.
func (t *FeatureTable) Column(name string) ([]float64, bool) {
	for i, col := range t.Columns {
		if col == name {
			return t.Values[i], true
		}
	}
	return nil, false
}

// Row returns the feature values of one edge in column order.
func (t *FeatureTable) Row(i int) []float64 {
	row := make([]float64, len(t.Values))
	for j, col := range t.Values {
		row[j] = col[i]
	}
	return row
}

// Schema returns the arrow schema of the table: uint64 sp1 and sp2 followed by one
// float64 field per feature column.
func (t *FeatureTable) Schema() *arrow.Schema {
	fields := []arrow.Field{
		{Name: "sp1", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "sp2", Type: arrow.PrimitiveTypes.Uint64},
	}
	for _, name := range t.Columns {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64})
	}
	return arrow.NewSchema(fields, nil)
}

// ToArrowRecord builds an arrow record of the table.  The caller must release it.
func (t *FeatureTable) ToArrowRecord(pool memory.Allocator) arrow.Record {
	if pool == nil {
		pool = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(pool, t.Schema())
	defer b.Release()

	b.Field(0).(*array.Uint64Builder).AppendValues(t.SP1, nil)
	b.Field(1).(*array.Uint64Builder).AppendValues(t.SP2, nil)
	for j, col := range t.Values {
		b.Field(j+2).(*array.Float64Builder).AppendValues(col, nil)
	}
	return b.NewRecord()
}

// WriteArrowIPC writes the table as an arrow IPC stream with a single record batch.
func (t *FeatureTable) WriteArrowIPC(w io.Writer) error {
	pool := memory.NewGoAllocator()
	record := t.ToArrowRecord(pool)
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(record.Schema()), ipc.WithAllocator(pool))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("writing feature table of %d rows: %v", t.NumRows(), err)
	}
	return writer.Close()
}

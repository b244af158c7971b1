// Package snapshot captures and restores base weight tensors around
// non-transactional merge broadcasts, serializing them as Arrow IPC
// streams. A failed broadcast leaves the tree partially merged; a
// caller that captured a snapshot first can roll the weights back.
package snapshot

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/tensor"
)

// Entry is one captured tensor.
type Entry struct {
	Name string
	Rows int
	Cols int
	Data []float32
}

// Snapshot is an ordered set of captured tensors.
type Snapshot struct {
	Entries []Entry
}

var schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "rows", Type: arrow.PrimitiveTypes.Int64},
	{Name: "cols", Type: arrow.PrimitiveTypes.Int64},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// Capture deep-copies every base-owned parameter tensor below root.
func Capture(root nn.Module) *Snapshot {
	snap := &Snapshot{}
	for _, np := range nn.NamedParameters(root) {
		if np.Param.Owner != nn.OwnerBase {
			continue
		}
		t := np.Param.Data
		data := make([]float32, len(t.Data()))
		copy(data, t.Data())
		snap.Entries = append(snap.Entries, Entry{
			Name: np.Name,
			Rows: t.Rows(),
			Cols: t.Cols(),
			Data: data,
		})
	}
	return snap
}

// Restore copies captured data back into the matching parameters.
// Parameters without a captured entry are left alone.
func Restore(root nn.Module, snap *Snapshot) error {
	byName := make(map[string]*Entry, len(snap.Entries))
	for i := range snap.Entries {
		byName[snap.Entries[i].Name] = &snap.Entries[i]
	}
	for _, np := range nn.NamedParameters(root) {
		entry, ok := byName[np.Name]
		if !ok {
			continue
		}
		src, err := tensor.FromValues(np.Name, entry.Rows, entry.Cols, entry.Data)
		if err != nil {
			return err
		}
		if err := np.Param.Data.CopyFrom(src); err != nil {
			return fmt.Errorf("restore %s: %w", np.Name, err)
		}
	}
	return nil
}

// Write serializes the snapshot as a single-record Arrow IPC stream.
func Write(w io.Writer, snap *Snapshot) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	rows := b.Field(1).(*array.Int64Builder)
	cols := b.Field(2).(*array.Int64Builder)
	data := b.Field(3).(*array.ListBuilder)
	values := data.ValueBuilder().(*array.Float32Builder)

	for _, e := range snap.Entries {
		names.Append(e.Name)
		rows.Append(int64(e.Rows))
		cols.Append(int64(e.Cols))
		data.Append(true)
		values.AppendValues(e.Data, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write snapshot record: %w", err)
	}
	return wr.Close()
}

// Read parses an Arrow IPC stream produced by Write.
func Read(r io.Reader) (*Snapshot, error) {
	rd, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot stream: %w", err)
	}
	defer rd.Release()

	snap := &Snapshot{}
	for rd.Next() {
		rec := rd.Record()
		names := rec.Column(0).(*array.String)
		rows := rec.Column(1).(*array.Int64)
		cols := rec.Column(2).(*array.Int64)
		lists := rec.Column(3).(*array.List)
		values := lists.ListValues().(*array.Float32)

		for i := 0; i < int(rec.NumRows()); i++ {
			start, end := lists.ValueOffsets(i)
			data := make([]float32, end-start)
			copy(data, values.Float32Values()[start:end])
			snap.Entries = append(snap.Entries, Entry{
				Name: names.Value(i),
				Rows: int(rows.Value(i)),
				Cols: int(cols.Value(i)),
				Data: data,
			})
		}
	}
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot stream: %w", err)
	}
	return snap, nil
}

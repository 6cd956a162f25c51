package table

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ReadIPC reads an Arrow IPC stream into an ArrowTable.
func ReadIPC(r io.Reader, mem memory.Allocator) (*ArrowTable, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	rdr, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow stream: %w", err)
	}
	defer rdr.Release()

	var records []arrow.Record
	release := func() {
		for _, rec := range records {
			rec.Release()
		}
	}

	for rdr.Next() {
		rec := rdr.Record()
		// the reader reuses rec on the next call to Next
		rec.Retain()
		records = append(records, rec)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		release()
		return nil, fmt.Errorf("failed to read arrow stream: %w", err)
	}

	t, err := FromRecords(rdr.Schema(), records)
	// FromRecords holds its own references
	release()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// WriteIPC writes the batches of t as an Arrow IPC stream.
func WriteIPC(w io.Writer, t *ArrowTable) error {
	wr := ipc.NewWriter(w, ipc.WithSchema(t.schema))
	for _, rec := range t.records {
		if err := wr.Write(rec); err != nil {
			wr.Close()
			return fmt.Errorf("failed to write arrow batch: %w", err)
		}
	}
	return wr.Close()
}

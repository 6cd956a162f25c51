package table

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// ColumnarPayload is the MessagePack body accepted for ad-hoc tables:
//
//	{"columns": {"_field": [...], "_value": [...]}, "order": ["_field", "_value"]}
//
// Order is optional; without it columns are sorted by name.
type ColumnarPayload struct {
	Columns map[string][]interface{} `msgpack:"columns"`
	Order   []string                 `msgpack:"order,omitempty"`
}

// DecodeMsgPack decodes a columnar MessagePack payload into a MemoryTable.
func DecodeMsgPack(data []byte) (*MemoryTable, error) {
	var payload ColumnarPayload
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack: %w", err)
	}
	if len(payload.Columns) == 0 {
		return nil, fmt.Errorf("msgpack payload has no columns")
	}

	names := payload.Order
	if len(names) == 0 {
		names = make([]string, 0, len(payload.Columns))
		for name := range payload.Columns {
			names = append(names, name)
		}
		sort.Strings(names)
	} else if len(names) != len(payload.Columns) {
		return nil, fmt.Errorf("msgpack order lists %d columns, payload has %d", len(names), len(payload.Columns))
	}

	return FromColumns(names, payload.Columns)
}

// EncodeMsgPack is the inverse of DecodeMsgPack.
func EncodeMsgPack(t Table) ([]byte, error) {
	names := t.ColumnNames()
	payload := ColumnarPayload{
		Columns: make(map[string][]interface{}, len(names)),
		Order:   names,
	}
	for _, name := range names {
		col := t.Column(name)
		values := make([]interface{}, t.Len())
		for i := range values {
			values[i] = col.Value(i)
		}
		payload.Columns[name] = values
	}
	return msgpack.Marshal(&payload)
}

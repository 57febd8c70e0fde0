package engine

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/rowstore"
)

// WAL payloads are msgpack encoded. Rows travel in the row store codec so
// every value type round-trips exactly.

type createTableRecord struct {
	Table catalog.TableSpec `msgpack:"table"`
}

type dropTableRecord struct {
	TableID uint32 `msgpack:"table_id"`
	Name    string `msgpack:"name"`
}

type createIndexRecord struct {
	TableID uint32           `msgpack:"table_id"`
	Index   catalog.IndexDef `msgpack:"index"`
}

type putRecord struct {
	TableID uint32 `msgpack:"table_id"`
	RowID   uint64 `msgpack:"row_id"`
	// Replaces is the row-id this version supersedes, or zero.
	Replaces uint64 `msgpack:"replaces,omitempty"`
	Row      []byte `msgpack:"row"`
}

type deleteRecord struct {
	TableID uint32 `msgpack:"table_id"`
	RowID   uint64 `msgpack:"row_id"`
}

func encodePayload(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "encode wal payload")
	}
	return b, nil
}

func decodePayload(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindInternal, err, "decode wal payload")
	}
	return nil
}

func (r *putRecord) row() (catalog.Row, error) {
	return rowstore.Encoded(r.Row).Decode()
}

// Op names a change event.
type Op string

const (
	OpInsert      Op = "insert"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
	OpCreateTable Op = "create_table"
	OpDropTable   Op = "drop_table"
	OpCreateIndex Op = "create_index"
)

// Event is the JSON payload published on a table's change topic.
type Event struct {
	Op       Op             `json:"op"`
	Table    string         `json:"table"`
	LSN      uint64         `json:"lsn"`
	RowID    uint64         `json:"row_id,omitempty"`
	Replaces uint64         `json:"replaces,omitempty"`
	Row      map[string]any `json:"row,omitempty"`
	Index    string         `json:"index,omitempty"`
	Time     time.Time      `json:"time"`
}

func rowObject(t *catalog.Table, row catalog.Row) map[string]any {
	if row == nil {
		return nil
	}
	m := make(map[string]any, len(t.Columns))
	for i, c := range t.Columns {
		if i < len(row) {
			m[c.Name] = catalog.ToJSON(row[i])
		}
	}
	return m
}

func (ev Event) encode() []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		// Row values are JSON-safe after ToJSON.
		return nil
	}
	return b
}

package engine

import (
	"context"
	"time"

	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/wal"
)

// change is one row mutation.
type change struct {
	op Op
	// rowID is the target of update and delete.
	rowID uint64
	// row is the coerced full row of insert and update.
	row catalog.Row
	// fresh moves an updated row to a new row-id.
	fresh bool
}

// stored is what a change did to the row store.
type stored struct {
	applied  bool
	lsn      uint64
	rowID    uint64
	replaced uint64 // row-id tombstoned by update or delete
}

// InsertRow validates row and inserts it into t. It implements exec.Sink.
func (e *Engine) InsertRow(ctx context.Context, t *catalog.Table, row catalog.Row) (id uint64, err error) {
	start := time.Now()
	defer func() {
		err = translateError(err)
		e.metrics.RecordInsert(time.Since(start), err)
		e.logger.LogInsert(ctx, t.Name, id, err)
	}()

	if e.closed.Load() {
		return 0, ErrClosed
	}
	if e.cfg.AutoIndex {
		if err := e.autoIndex(t); err != nil {
			return 0, err
		}
	}
	row, err = t.CoerceRow(row)
	if err != nil {
		return 0, err
	}
	id, _, err = e.commit(t, change{op: OpInsert, row: row})
	return id, err
}

// deleteRow tombstones one row. It reports whether the row was still live.
func (e *Engine) deleteRow(t *catalog.Table, rowID uint64) (ok bool, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordDelete(time.Since(start), err) }()
	_, ok, err = e.commit(t, change{op: OpDelete, rowID: rowID})
	return ok, err
}

// updateRow replaces the row at rowID. A changed vector column moves the row
// to a new row-id so readers of the old graph node never see it mutate.
func (e *Engine) updateRow(t *catalog.Table, rowID uint64, old, row catalog.Row) (uint64, bool, error) {
	fresh := false
	for i, c := range t.Columns {
		if c.Type.IsVector() && !catalog.Equal(old[i], row[i]) {
			fresh = true
			break
		}
	}
	return e.commit(t, change{op: OpUpdate, rowID: rowID, row: row, fresh: fresh})
}

// commit logs c, applies it to the row store and the vector indexes, waits
// for durability and publishes the change event.
func (e *Engine) commit(t *catalog.Table, c change) (uint64, bool, error) {
	ts, err := e.state(t.ID)
	if err != nil {
		return 0, false, errs.New(errs.KindNotFound, "table %q not found", t.Name)
	}
	var enc []byte
	if c.row != nil {
		if enc, err = rowstore.EncodeRow(nil, c.row); err != nil {
			return 0, false, errs.Wrap(errs.KindType, err, "encode row")
		}
	}

	e.barrier.RLock()
	ts.mu.Lock()
	ticket := ts.take()
	var ev *Event
	defer func() { ts.publish(e.bus, bus.TableTopic(t.Name), ticket, ev) }()

	var res stored
	if ts.dropped {
		err = errs.New(errs.KindNotFound, "table %q not found", t.Name)
	} else {
		res, err = e.store(t, ts, c, enc)
	}
	indexes := ts.indexList()
	ts.mu.Unlock()

	if err == nil && res.applied {
		err = e.applyIndexes(ts, indexes, c, res)
	}
	e.barrier.RUnlock()
	if err != nil || !res.applied {
		return 0, false, err
	}

	if e.cfg.SyncWrites {
		if err := e.wal.Sync(); err != nil {
			return 0, false, errs.Wrap(errs.KindInternal, err, "sync wal")
		}
	}

	ev = &Event{Op: c.op, Table: t.Name, LSN: res.lsn, RowID: res.rowID, Time: time.Now().UTC()}
	switch {
	case c.op == OpDelete:
		ev.RowID = res.replaced
	case res.replaced != 0:
		ev.Replaces = res.replaced
	}
	if c.row != nil {
		ev.Row = rowObject(t, c.row)
	}
	e.maybeCheckpoint()
	return res.rowID, true, nil
}

// store checks constraints, appends the WAL record and applies c to the row
// store. Callers hold ts.mu.
func (e *Engine) store(t *catalog.Table, ts *tableState, c change, enc []byte) (stored, error) {
	switch c.op {
	case OpInsert:
		if err := checkUnique(t, ts.rows, c.row, 0); err != nil {
			return stored{}, err
		}
		id := ts.rows.AssignRowID()
		lsn, err := e.append(wal.RecordTypePut, &putRecord{TableID: t.ID, RowID: id, Row: enc})
		if err != nil {
			return stored{}, err
		}
		if err := ts.rows.Put(id, c.row); err != nil {
			return stored{}, err
		}
		return stored{applied: true, lsn: lsn, rowID: id}, nil

	case OpUpdate:
		if _, ok := ts.rows.Get(c.rowID); !ok {
			return stored{}, nil
		}
		if err := checkUnique(t, ts.rows, c.row, c.rowID); err != nil {
			return stored{}, err
		}
		rec := putRecord{TableID: t.ID, RowID: c.rowID, Row: enc}
		if c.fresh {
			rec.RowID = ts.rows.AssignRowID()
			rec.Replaces = c.rowID
		}
		lsn, err := e.append(wal.RecordTypePut, &rec)
		if err != nil {
			return stored{}, err
		}
		if err := storePut(ts.rows, rec.RowID, rec.Replaces, c.row); err != nil {
			return stored{}, err
		}
		return stored{applied: true, lsn: lsn, rowID: rec.RowID, replaced: rec.Replaces}, nil

	case OpDelete:
		if _, ok := ts.rows.Get(c.rowID); !ok {
			return stored{}, nil
		}
		lsn, err := e.append(wal.RecordTypeDelete, &deleteRecord{TableID: t.ID, RowID: c.rowID})
		if err != nil {
			return stored{}, err
		}
		ts.rows.Delete(c.rowID)
		return stored{applied: true, lsn: lsn, replaced: c.rowID}, nil
	}
	return stored{}, errs.New(errs.KindInternal, "unknown change %q", c.op)
}

// storePut writes a row version, tombstoning the version it replaces.
func storePut(rows *rowstore.Table, rowID, replaces uint64, row catalog.Row) error {
	if replaces != 0 {
		rows.Delete(replaces)
	}
	return rows.Put(rowID, row)
}

// applyIndexes mirrors a stored change into the vector indexes. A failed
// insert rolls the row back.
func (e *Engine) applyIndexes(ts *tableState, indexes []*boundIndex, c change, res stored) error {
	if c.op == OpInsert || (c.op == OpUpdate && res.replaced != 0) {
		for i, bi := range indexes {
			vec, ok := catalog.ToVector(c.row[bi.col])
			if !ok {
				continue
			}
			if err := bi.index.Insert(res.rowID, vec); err != nil {
				for _, done := range indexes[:i] {
					_ = done.index.Delete(res.rowID)
				}
				e.rollback(ts, res.rowID)
				return translateError(err)
			}
			// A concurrent delete may have tombstoned the row before its node existed.
			if ts.rows.IsDeleted(res.rowID) {
				_ = bi.index.Delete(res.rowID)
			}
		}
	}
	if res.replaced != 0 {
		indexDelete(indexes, res.replaced)
	}
	return nil
}

// indexDelete tombstones rowID in every index. Rows with a NULL vector have
// no node, so ErrNodeNotFound is expected.
func indexDelete(indexes []*boundIndex, rowID uint64) {
	for _, bi := range indexes {
		_ = bi.index.Delete(rowID)
	}
}

// rollback tombstones a row whose index insert failed and logs the delete so
// replay converges on the same state.
func (e *Engine) rollback(ts *tableState, rowID uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.rows.Delete(rowID) {
		return
	}
	if _, err := e.append(wal.RecordTypeDelete, &deleteRecord{TableID: ts.rows.ID(), RowID: rowID}); err != nil {
		e.logger.Error("failed to log rollback", "row_id", rowID, "error", err)
	}
}

func (e *Engine) append(typ wal.RecordType, v any) (uint64, error) {
	payload, err := encodePayload(v)
	if err != nil {
		return 0, err
	}
	lsn, err := e.wal.Append(typ, payload)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "append %s record", typ)
	}
	return lsn, nil
}

// checkUnique enforces PRIMARY KEY and UNIQUE for row, ignoring the row at
// self. NULLs never conflict.
func checkUnique(t *catalog.Table, rows *rowstore.Table, row catalog.Row, self uint64) error {
	if pk := t.PrimaryKey(); pk >= 0 {
		if owner, ok := rows.Lookup(row[pk]); ok && owner != self {
			return errs.New(errs.KindDuplicateID, "duplicate primary key %v in table %q", row[pk], t.Name)
		}
	}
	var unique []int
	for i, c := range t.Columns {
		if c.Unique && !c.PrimaryKey && row[i] != nil {
			unique = append(unique, i)
		}
	}
	if len(unique) == 0 {
		return nil
	}
	for id, enc := range rows.Scan(rowstore.Range{}) {
		if id == self {
			continue
		}
		for _, i := range unique {
			v, err := enc.Column(i)
			if err != nil {
				return errs.Wrap(errs.KindInternal, err, "row %d", id)
			}
			if catalog.Equal(v, row[i]) {
				return errs.New(errs.KindDuplicateID, "duplicate value %v for unique column %q", row[i], t.Columns[i].Name)
			}
		}
	}
	return nil
}

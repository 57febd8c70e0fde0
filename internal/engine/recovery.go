package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/fs"
	"github.com/hupe1980/vectra/internal/hnsw"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/wal"
)

// recover loads the last checkpoint and replays the WAL tail.
func (e *Engine) recover(ctx context.Context) (err error) {
	ckpt, err := e.readCheckpoint()
	if err != nil {
		return err
	}
	replayed := 0
	defer func() { e.logger.LogRecovery(ctx, ckpt.LSN, replayed, err) }()

	e.cat, err = catalog.Load(e.fs, filepath.Join(e.dir, catalog.FileName))
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range e.cat.Tables() {
		g.Go(func() error {
			ts, err := e.loadTable(gctx, t)
			if err != nil {
				return err
			}
			mu.Lock()
			e.tables[t.ID] = ts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.wal, err = wal.Open(e.fs, filepath.Join(e.dir, walDir), wal.Options{
		Durability: wal.DurabilityAsync,
		MinLSN:     ckpt.LSN,
	})
	if err != nil {
		return err
	}
	err = e.wal.Replay(ckpt.LSN, func(rec *wal.Record) error {
		replayed++
		return e.replay(rec)
	})
	if err != nil {
		return err
	}
	e.checkpointLSN.Store(ckpt.LSN)
	return nil
}

// loadTable reads the row snapshot of t and its index snapshots. An index
// whose snapshot is missing or fails verification is rebuilt from the rows.
func (e *Engine) loadTable(ctx context.Context, t *catalog.Table) (*tableState, error) {
	rows, err := e.loadRows(t)
	if err != nil {
		return nil, err
	}
	ts := newTableState(rows)

	for _, def := range t.Indexes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bi, err := e.loadIndex(t, def)
		if err != nil {
			e.logger.Warn("rebuilding vector index", "table", t.Name, "index", def.Name, "error", err)
			bi, err = e.buildIndex(t, rows, def)
			if err != nil {
				return nil, err
			}
		}
		ts.setIndex(bi)
	}
	return ts, nil
}

func (e *Engine) loadRows(t *catalog.Table) (*rowstore.Table, error) {
	data, err := fs.ReadFileRetry(e.fs, filepath.Join(e.dir, rowsDir, rowstore.SSTName(t.ID)))
	if errors.Is(err, os.ErrNotExist) {
		return rowstore.NewTable(t.ID, t.PrimaryKey()), nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := rowstore.DecodeSST(data, t.PrimaryKey())
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "table %q", t.Name)
	}
	return rows, nil
}

func (e *Engine) loadIndex(t *catalog.Table, def catalog.IndexDef) (*boundIndex, error) {
	col := t.ColumnIndex(def.Column)
	if col < 0 {
		return nil, errs.New(errs.KindNotFound, "column %q not found in table %q", def.Column, t.Name)
	}
	data, err := fs.ReadFileRetry(e.fs, filepath.Join(e.dir, indexesDir, indexFileName(t.ID, def.Column)))
	if err != nil {
		return nil, err
	}
	idx, err := hnsw.Load(bytes.NewReader(data), func(o *hnsw.Options) {
		o.EF = def.EF
		o.Seed = e.cfg.Seed
	})
	if err != nil {
		return nil, err
	}
	if idx.Dimension() != t.Columns[col].Type.Dim {
		return nil, errs.New(errs.KindInternal, "index %q has dimension %d, column has %d", def.Name, idx.Dimension(), t.Columns[col].Type.Dim)
	}
	if err := idx.Verify(); err != nil {
		return nil, err
	}
	return &boundIndex{def: def, col: col, index: idx}, nil
}

// tableByID finds a live table by id.
func (e *Engine) tableByID(id uint32) (*catalog.Table, *tableState, bool) {
	ts, err := e.state(id)
	if err != nil {
		return nil, nil, false
	}
	for _, t := range e.cat.Tables() {
		if t.ID == id {
			return t, ts, true
		}
	}
	return nil, nil, false
}

// replay applies one WAL record. Records already reflected in the loaded
// snapshots are skipped, so replaying a prefix twice is harmless.
func (e *Engine) replay(rec *wal.Record) error {
	switch rec.Type {
	case wal.RecordTypeCreateTable:
		var p createTableRecord
		if err := decodePayload(rec.Payload, &p); err != nil {
			return err
		}
		if _, err := e.cat.Get(p.Table.Name); err == nil {
			return nil
		}
		t, err := catalog.FromSpec(p.Table)
		if err != nil {
			return err
		}
		t.Indexes = nil
		created, err := e.cat.Create(t)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.tables[created.ID] = newTableState(rowstore.NewTable(created.ID, created.PrimaryKey()))
		e.mu.Unlock()

	case wal.RecordTypeDropTable:
		var p dropTableRecord
		if err := decodePayload(rec.Payload, &p); err != nil {
			return err
		}
		if t, ts, ok := e.tableByID(p.TableID); ok {
			e.dropLocked(t, ts)
		}

	case wal.RecordTypeCreateIndex:
		var p createIndexRecord
		if err := decodePayload(rec.Payload, &p); err != nil {
			return err
		}
		t, ts, ok := e.tableByID(p.TableID)
		if !ok || ts.index(p.Index.Column) != nil {
			return nil
		}
		bi, err := e.buildIndex(t, ts.rows, p.Index)
		if err != nil {
			return err
		}
		if _, err := e.cat.AddIndex(t.Name, p.Index); err != nil {
			return err
		}
		ts.setIndex(bi)

	case wal.RecordTypePut:
		var p putRecord
		if err := decodePayload(rec.Payload, &p); err != nil {
			return err
		}
		_, ts, ok := e.tableByID(p.TableID)
		if !ok {
			return nil
		}
		row, err := p.row()
		if err != nil {
			return errs.Wrap(errs.KindInternal, err, "lsn %d", rec.LSN)
		}
		ts.rows.ObserveRowID(p.RowID)
		if err := storePut(ts.rows, p.RowID, p.Replaces, row); err != nil {
			// The snapshot already holds a later state of this row.
			return nil
		}
		indexes := ts.indexList()
		for _, bi := range indexes {
			vec, ok := catalog.ToVector(row[bi.col])
			if !ok || bi.index.Contains(p.RowID) {
				continue
			}
			if err := bi.index.Insert(p.RowID, vec); err != nil {
				return errs.Wrap(errs.KindInternal, err, "lsn %d", rec.LSN)
			}
		}
		if p.Replaces != 0 {
			indexDelete(indexes, p.Replaces)
		}

	case wal.RecordTypeDelete:
		var p deleteRecord
		if err := decodePayload(rec.Payload, &p); err != nil {
			return err
		}
		_, ts, ok := e.tableByID(p.TableID)
		if !ok {
			return nil
		}
		ts.rows.Delete(p.RowID)
		indexDelete(ts.indexList(), p.RowID)

	default:
		e.logger.Warn("skipping unknown WAL record", "lsn", rec.LSN, "type", rec.Type.String())
	}
	return nil
}

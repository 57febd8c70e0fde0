package engine

import (
	"context"
	"time"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/rowstore"
	"github.com/hupe1980/vectra/internal/wal"
)

func parseMetric(s string) (distance.Metric, error) {
	m, err := distance.ParseMetric(s)
	if err != nil {
		return 0, errs.Wrap(errs.KindType, err, "metric")
	}
	return m, nil
}

// CreateTable registers a table. With ifNotExists an existing table of the
// same name is returned instead of an error.
func (e *Engine) CreateTable(ctx context.Context, t *catalog.Table, ifNotExists bool) (*catalog.Table, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	if existing, err := e.cat.Get(t.Name); err == nil {
		if ifNotExists {
			return existing, nil
		}
		return nil, errs.New(errs.KindDuplicateID, "table %q already exists", t.Name)
	}

	e.barrier.RLock()
	defer e.barrier.RUnlock()

	t = t.Clone()
	t.ID = 0
	created, err := e.cat.Create(t)
	if err != nil {
		return nil, err
	}
	spec, err := created.Spec()
	if err != nil {
		_, _ = e.cat.Drop(created.Name)
		return nil, err
	}
	lsn, err := e.append(wal.RecordTypeCreateTable, &createTableRecord{Table: spec})
	if err != nil {
		_, _ = e.cat.Drop(created.Name)
		return nil, err
	}

	ts := newTableState(rowstore.NewTable(created.ID, created.PrimaryKey()))
	e.mu.Lock()
	e.tables[created.ID] = ts
	e.mu.Unlock()

	if err := e.syncDDL(); err != nil {
		return nil, err
	}
	e.bus.Publish(bus.TableTopic(created.Name), Event{Op: OpCreateTable, Table: created.Name, LSN: lsn, Time: time.Now().UTC()}.encode())
	e.logger.InfoContext(ctx, "table created", "table", created.Name, "table_id", created.ID)
	return created, nil
}

// DropTable removes a table with its rows and indexes. Snapshot files are
// removed by the next checkpoint.
func (e *Engine) DropTable(ctx context.Context, name string, ifExists bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	t, err := e.cat.Get(name)
	if err != nil {
		if ifExists {
			return nil
		}
		return err
	}
	ts, err := e.state(t.ID)
	if err != nil {
		return err
	}

	e.barrier.RLock()
	ts.mu.Lock()
	ticket := ts.take()
	var ev *Event
	defer func() { ts.publish(e.bus, bus.TableTopic(t.Name), ticket, ev) }()

	lsn, err := e.append(wal.RecordTypeDropTable, &dropTableRecord{TableID: t.ID, Name: t.Name})
	if err == nil {
		e.dropLocked(t, ts)
	}
	ts.mu.Unlock()
	e.barrier.RUnlock()
	if err != nil {
		return err
	}
	if err := e.syncDDL(); err != nil {
		return err
	}
	ev = &Event{Op: OpDropTable, Table: t.Name, LSN: lsn, Time: time.Now().UTC()}
	e.logger.InfoContext(ctx, "table dropped", "table", t.Name, "table_id", t.ID)
	return nil
}

// dropLocked forgets a table. Callers hold ts.mu.
func (e *Engine) dropLocked(t *catalog.Table, ts *tableState) {
	_, _ = e.cat.Drop(t.Name)
	ts.dropped = true
	e.mu.Lock()
	delete(e.tables, t.ID)
	e.mu.Unlock()
}

// CreateIndex builds a vector index over the existing rows of table. Unset
// parameters of def take the configured defaults.
func (e *Engine) CreateIndex(ctx context.Context, table string, def catalog.IndexDef, ifNotExists bool) (catalog.IndexDef, error) {
	if e.closed.Load() {
		return catalog.IndexDef{}, ErrClosed
	}
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	return e.createIndexLocked(ctx, table, def, ifNotExists)
}

func (e *Engine) createIndexLocked(ctx context.Context, table string, def catalog.IndexDef, ifNotExists bool) (catalog.IndexDef, error) {
	t, err := e.cat.Get(table)
	if err != nil {
		return catalog.IndexDef{}, err
	}
	if ifNotExists {
		if existing, ok := t.IndexOn(def.Column); ok {
			return existing, nil
		}
		if existing, ok := t.Index(def.Name); ok && def.Name != "" {
			return existing, nil
		}
	}
	def, err = t.ValidateIndex(def, e.cfg.Index)
	if err != nil {
		return catalog.IndexDef{}, err
	}
	ts, err := e.state(t.ID)
	if err != nil {
		return catalog.IndexDef{}, err
	}

	start := time.Now()
	e.barrier.RLock()
	ts.mu.Lock()
	ticket := ts.take()
	var ev *Event
	defer func() { ts.publish(e.bus, bus.TableTopic(t.Name), ticket, ev) }()

	var lsn uint64
	bi, err := e.buildIndex(t, ts.rows, def)
	if err == nil {
		lsn, err = e.append(wal.RecordTypeCreateIndex, &createIndexRecord{TableID: t.ID, Index: def})
	}
	if err == nil {
		if _, err = e.cat.AddIndex(t.Name, def); err == nil {
			ts.setIndex(bi)
		}
	}
	ts.mu.Unlock()
	e.barrier.RUnlock()
	if err != nil {
		return catalog.IndexDef{}, err
	}
	if err := e.syncDDL(); err != nil {
		return catalog.IndexDef{}, err
	}
	ev = &Event{Op: OpCreateIndex, Table: t.Name, LSN: lsn, Index: def.Name, Time: time.Now().UTC()}
	e.logger.InfoContext(ctx, "vector index created",
		"table", t.Name,
		"index", def.Name,
		"column", def.Column,
		"metric", def.Metric,
		"nodes", bi.index.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return def, nil
}

// buildIndex creates the index for def and inserts every live row.
func (e *Engine) buildIndex(t *catalog.Table, rows *rowstore.Table, def catalog.IndexDef) (*boundIndex, error) {
	col := t.ColumnIndex(def.Column)
	if col < 0 {
		return nil, errs.New(errs.KindNotFound, "column %q not found in table %q", def.Column, t.Name)
	}
	idx, err := e.newIndex(def, t.Columns[col].Type.Dim)
	if err != nil {
		return nil, translateError(err)
	}
	for id, enc := range rows.Scan(rowstore.Range{}) {
		v, err := enc.Column(col)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "row %d", id)
		}
		vec, ok := catalog.ToVector(v)
		if !ok {
			continue
		}
		if err := idx.Insert(id, vec); err != nil {
			return nil, translateError(err)
		}
	}
	return &boundIndex{def: def, col: col, index: idx}, nil
}

// autoIndex creates the default index on every vector column of t that has
// none.
func (e *Engine) autoIndex(t *catalog.Table) error {
	ts, err := e.state(t.ID)
	if err != nil {
		return errs.New(errs.KindNotFound, "table %q not found", t.Name)
	}
	missing := false
	for _, c := range t.Columns {
		if c.Type.IsVector() && ts.index(c.Name) == nil {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	for _, c := range t.Columns {
		if !c.Type.IsVector() {
			continue
		}
		if _, err := e.createIndexLocked(e.ctx, t.Name, catalog.IndexDef{Column: c.Name}, true); err != nil {
			return err
		}
	}
	return nil
}

// syncDDL makes a schema change durable before it is acknowledged.
func (e *Engine) syncDDL() error {
	if err := e.wal.Sync(); err != nil {
		return errs.Wrap(errs.KindInternal, err, "sync wal")
	}
	return nil
}

package engine

import (
	"context"
	"time"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
)

// Hit is one vector search result with its decoded row.
type Hit struct {
	RowID    uint64      `json:"row_id"`
	Distance float32     `json:"score"`
	Row      catalog.Row `json:"-"`
}

// SearchResult is the outcome of Search.
type SearchResult struct {
	Columns []string `json:"columns"`
	Hits    []Hit    `json:"hits"`
}

// Search returns the k rows of table nearest to vec under the metric of the
// index on column, nearest first.
func (e *Engine) Search(ctx context.Context, table, column string, vec []float32, k int) (res *SearchResult, err error) {
	start := time.Now()
	defer func() {
		err = translateError(err)
		hits := 0
		if res != nil {
			hits = len(res.Hits)
		}
		e.metrics.RecordSearch(k, time.Since(start), err)
		e.logger.LogSearch(ctx, table, column, k, hits, time.Since(start), err)
	}()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, errs.New(errs.KindType, "k must be positive, got %d", k)
	}
	t, err := e.cat.Get(table)
	if err != nil {
		return nil, err
	}
	col, err := t.Column(column)
	if err != nil {
		return nil, err
	}
	if !col.Type.IsVector() {
		return nil, errs.New(errs.KindType, "column %q is %s, not a vector", col.Name, col.Type)
	}
	if len(vec) != col.Type.Dim {
		return nil, errs.New(errs.KindDimensionMismatch, "query vector has dimension %d, column %q expects %d", len(vec), col.Name, col.Type.Dim)
	}
	if !distance.IsFinite(vec) {
		return nil, errs.New(errs.KindType, "query vector contains NaN or Inf")
	}
	ts, err := e.state(t.ID)
	if err != nil {
		return nil, err
	}
	bi := ts.index(column)
	if bi == nil {
		return nil, errs.New(errs.KindIndexAbsent, "column %q of table %q has no vector index", col.Name, t.Name)
	}

	hits, err := bi.index.Search(ctx, vec, k, max(bi.def.EF, k))
	if err != nil {
		return nil, err
	}
	res = &SearchResult{Columns: t.ColumnNames(), Hits: make([]Hit, 0, len(hits))}
	for _, h := range hits {
		enc, ok := ts.rows.Get(h.RowID)
		if !ok {
			// Deleted after the graph was searched.
			continue
		}
		row, err := enc.Decode()
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "row %d", h.RowID)
		}
		res.Hits = append(res.Hits, Hit{RowID: h.RowID, Distance: h.Distance, Row: row})
	}
	return res, nil
}

// Subscribe opens a subscription on topic. Table change events are
// published on bus.TableTopic(table).
func (e *Engine) Subscribe(topic string) (*bus.Subscription, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := e.bus.Subscribe(topic)
	if err != nil {
		return nil, translateError(err)
	}
	return sub, nil
}

// Unsubscribe closes the subscription with the given id.
func (e *Engine) Unsubscribe(id string) error {
	return translateError(e.bus.Unsubscribe(id))
}

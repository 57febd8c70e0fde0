package rowstore

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
)

// Table stores the rows of one table.
type Table struct {
	id    uint32
	pkCol int

	nextRowID atomic.Uint64

	mu      sync.RWMutex
	rows    map[uint64]Encoded
	pk      map[string]uint64
	deleted *roaring64.Bitmap
	bytes   int64
}

// NewTable returns an empty store. pkCol is the primary-key ordinal, or -1
// when rows are keyed by row-id only.
func NewTable(id uint32, pkCol int) *Table {
	return &Table{
		id:      id,
		pkCol:   pkCol,
		rows:    make(map[uint64]Encoded),
		pk:      make(map[string]uint64),
		deleted: roaring64.New(),
	}
}

// ID returns the owning table id.
func (t *Table) ID() uint32 { return t.id }

// AssignRowID returns the next row-id. Row-ids start at 1, are monotone and
// are never handed out twice.
func (t *Table) AssignRowID() uint64 {
	return t.nextRowID.Add(1)
}

// ObserveRowID advances the sequence past id. Used by recovery.
func (t *Table) ObserveRowID(id uint64) {
	for {
		cur := t.nextRowID.Load()
		if id <= cur || t.nextRowID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// LastRowID returns the highest row-id handed out.
func (t *Table) LastRowID() uint64 { return t.nextRowID.Load() }

// Put stores row under rowID. It fails with DuplicateId when the primary key
// already belongs to another live row. Putting an existing rowID replaces it.
func (t *Table) Put(rowID uint64, row catalog.Row) error {
	enc, err := EncodeRow(nil, row)
	if err != nil {
		return errs.Wrap(errs.KindType, err, "encode row")
	}
	key, err := t.keyOf(row)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deleted.Contains(rowID) {
		return errs.New(errs.KindInternal, "row-id %d was deleted and cannot be reused", rowID)
	}
	if key != "" {
		if owner, ok := t.pk[key]; ok && owner != rowID {
			return errs.New(errs.KindDuplicateID, "duplicate primary key %v", row[t.pkCol])
		}
	}
	if old, ok := t.rows[rowID]; ok {
		t.bytes -= int64(len(old))
		if oldKey := t.encodedKey(old); oldKey != "" && oldKey != key {
			delete(t.pk, oldKey)
		}
	}
	t.rows[rowID] = enc
	t.bytes += int64(len(enc))
	if key != "" {
		t.pk[key] = rowID
	}
	t.ObserveRowID(rowID)
	return nil
}

// Delete tombstones rowID. It reports whether a live row was removed.
func (t *Table) Delete(rowID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.rows[rowID]
	if !ok {
		return false
	}
	if key := t.encodedKey(old); key != "" && t.pk[key] == rowID {
		delete(t.pk, key)
	}
	delete(t.rows, rowID)
	t.bytes -= int64(len(old))
	t.deleted.Add(rowID)
	return true
}

// Get returns the encoded row.
func (t *Table) Get(rowID uint64) (Encoded, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[rowID]
	return r, ok
}

// Lookup resolves a primary-key value to its row-id.
func (t *Table) Lookup(pk catalog.Value) (uint64, bool) {
	if t.pkCol < 0 {
		return 0, false
	}
	key, err := catalog.Key(pk)
	if err != nil {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.pk[key]
	return id, ok
}

// IsDeleted reports whether rowID has been tombstoned.
func (t *Table) IsDeleted(rowID uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted.Contains(rowID)
}

// Len returns the number of live rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Stats summarizes the store.
type Stats struct {
	Rows      int    `json:"rows"`
	Deleted   uint64 `json:"deleted"`
	Bytes     int64  `json:"bytes"`
	LastRowID uint64 `json:"last_row_id"`
}

// Stats returns row counts and encoded size.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Rows:      len(t.rows),
		Deleted:   t.deleted.GetCardinality(),
		Bytes:     t.bytes,
		LastRowID: t.nextRowID.Load(),
	}
}

// Range bounds a scan to row-ids in [From, To). To == 0 means unbounded.
type Range struct {
	From, To uint64
}

func (r Range) contains(id uint64) bool {
	return id >= r.From && (r.To == 0 || id < r.To)
}

// Scan yields live rows in ascending row-id order. The set of rows is fixed
// when iteration starts; later writes are not observed.
func (t *Table) Scan(r Range) iter.Seq2[uint64, Encoded] {
	return func(yield func(uint64, Encoded) bool) {
		t.mu.RLock()
		ids := make([]uint64, 0, len(t.rows))
		for id := range t.rows {
			if r.contains(id) {
				ids = append(ids, id)
			}
		}
		snap := make(map[uint64]Encoded, len(ids))
		for _, id := range ids {
			snap[id] = t.rows[id]
		}
		t.mu.RUnlock()

		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id, snap[id]) {
				return
			}
		}
	}
}

func (t *Table) keyOf(row catalog.Row) (string, error) {
	if t.pkCol < 0 {
		return "", nil
	}
	if t.pkCol >= len(row) {
		return "", errs.New(errs.KindType, "row has no primary key column")
	}
	return catalog.Key(row[t.pkCol])
}

func (t *Table) encodedKey(e Encoded) string {
	if t.pkCol < 0 {
		return ""
	}
	v, err := e.Column(t.pkCol)
	if err != nil {
		return ""
	}
	key, _ := catalog.Key(v)
	return key
}

package hnsw

import "github.com/hupe1980/vectra/distance"

// Stats describes the state of an index.
type Stats struct {
	Dimension      int             `json:"dimension"`
	Metric         distance.Metric `json:"-"`
	MetricName     string          `json:"metric"`
	M              int             `json:"m"`
	Mmax0          int             `json:"mmax0"`
	EFConstruction int             `json:"ef_construction"`
	EF             int             `json:"ef"`
	ML             float64         `json:"ml"`

	Live       int `json:"live"`
	Tombstoned int `json:"tombstoned"`
	// Orphans are superseded slots of re-inserted row-ids, reclaimed by Compact.
	Orphans int `json:"orphans"`

	MaxLevel       int    `json:"max_level"`
	HasEntryPoint  bool   `json:"has_entry_point"`
	EntryPoint     uint64 `json:"entry_point"`
	LayerHistogram []int  `json:"layer_histogram"` // nodes whose top layer is i
}

// TombstoneRatio is the share of graph nodes that are tombstoned.
func (s Stats) TombstoneRatio() float64 {
	total := s.Live + s.Tombstoned
	if total == 0 {
		return 0
	}
	return float64(s.Tombstoned) / float64(total)
}

// Stats returns a point-in-time summary.
func (h *Index) Stats() Stats {
	g := h.current.Load()
	st := Stats{
		Dimension:      h.opts.Dimension,
		Metric:         h.opts.Metric,
		MetricName:     h.opts.Metric.String(),
		M:              h.opts.M,
		Mmax0:          h.mmax0,
		EFConstruction: h.opts.EFConstruction,
		EF:             h.opts.EF,
		ML:             h.ml,
		MaxLevel:       -1,
	}

	for slot := range g.nodes.Len() {
		n := g.nodes.Get(slot)
		if n == nil {
			continue
		}
		if !g.owns(slot, n) {
			st.Orphans++
			continue
		}
		if n.deleted.Load() {
			st.Tombstoned++
		} else {
			st.Live++
		}
		for len(st.LayerHistogram) <= n.level {
			st.LayerHistogram = append(st.LayerHistogram, 0)
		}
		st.LayerHistogram[n.level]++
	}

	g.structMu.RLock()
	if g.hasEntry {
		st.HasEntryPoint = true
		st.EntryPoint = g.nodes.Get(g.entry).rowID
		st.MaxLevel = g.top
	}
	g.structMu.RUnlock()
	return st
}

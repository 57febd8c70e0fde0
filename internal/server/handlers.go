package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hupe1980/vectra/internal/errs"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is the result of POST /query.
type QueryResponse struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowCount     int      `json:"row_count"`
	RowsAffected int      `json:"rows_affected,omitempty"`
	RowIDs       []uint64 `json:"row_ids,omitempty"`
	ElapsedMS    float64  `json:"elapsed_ms"`
}

// SearchRequest is the body of POST /vector/search.
type SearchRequest struct {
	Table  string    `json:"table"`
	Column string    `json:"column"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

// SearchHit is one vector search result.
type SearchHit struct {
	RowID uint64         `json:"row_id"`
	Score float32        `json:"score"`
	Row   map[string]any `json:"row"`
}

// SearchResponse is the result of POST /vector/search.
type SearchResponse struct {
	Hits []SearchHit `json:"hits"`
}

// HealthResponse is the result of GET /health.
type HealthResponse struct {
	Status  string  `json:"status"`
	Uptime  float64 `json:"uptime_s"`
	Version string  `json:"version,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, r, errs.New(errs.KindParse, "query is empty"))
		return
	}

	start := time.Now()
	res, err := s.engine.Execute(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := QueryResponse{
		Columns:      res.Columns,
		Rows:         make([][]any, len(res.Rows)),
		RowCount:     len(res.Rows),
		RowsAffected: res.RowsAffected,
		ElapsedMS:    float64(time.Since(start).Microseconds()) / 1000,
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if res.RowsAffected > 0 {
		out.RowIDs = res.RowIDs
	}
	for i, row := range res.Rows {
		out.Rows[i] = jsonRow(row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.K == 0 {
		req.K = 10
	}
	res, err := s.engine.Search(r.Context(), req.Table, req.Column, req.Vector, req.K)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := SearchResponse{Hits: make([]SearchHit, len(res.Hits))}
	for i, h := range res.Hits {
		out.Hits[i] = SearchHit{RowID: h.RowID, Score: h.Distance, Row: jsonObject(res.Columns, h.Row)}
	}
	writeJSON(w, http.StatusOK, out)
}

// Banner is the first line served at the root path.
const Banner = "vectra - embedded SQL engine with vector search"

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if s.opts.Version != "" {
		_, _ = fmt.Fprintf(w, "%s (version %s)\n", Banner, s.opts.Version)
		return
	}
	_, _ = fmt.Fprintln(w, Banner)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  s.engine.Uptime().Seconds(),
		Version: s.opts.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

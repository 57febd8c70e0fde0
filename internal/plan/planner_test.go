package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/sql"
)

func docsTable(t *testing.T, indexed bool) *catalog.Table {
	t.Helper()
	tbl, err := catalog.NewTable("docs", []catalog.Column{
		{Name: "id", Type: catalog.Scalar(catalog.KindInt), PrimaryKey: true},
		{Name: "body", Type: catalog.Scalar(catalog.KindText)},
		{Name: "lang", Type: catalog.Scalar(catalog.KindText)},
		{Name: "v", Type: catalog.Vector(4)},
	})
	require.NoError(t, err)
	if indexed {
		def, err := tbl.ValidateIndex(catalog.IndexDef{Column: "v"}, catalog.IndexDef{Metric: distance.MetricL2.String(), M: 16, EFConstruction: 200, EF: 50})
		require.NoError(t, err)
		tbl.Indexes = append(tbl.Indexes, def)
	}
	return tbl
}

func planSQL(t *testing.T, tbl *catalog.Table, q string) (*Plan, error) {
	t.Helper()
	stmt, err := sql.Parse(q)
	require.NoError(t, err)
	return Select(tbl, stmt.(*sql.Select), DefaultOptions)
}

func TestVectorTopKRewrite(t *testing.T) {
	p, err := planSQL(t, docsTable(t, true), "SELECT id FROM docs WHERE lang = 'en' ORDER BY v <-> [1,0,0,0] LIMIT 2")
	require.NoError(t, err)

	vp, ok := p.Probe()
	require.True(t, ok)
	assert.Equal(t, 2, vp.K)
	assert.Equal(t, 8, vp.Fetch)
	assert.Equal(t, DefaultMaxReprobe, vp.MaxFetch)
	assert.Equal(t, DefaultRounds, vp.Rounds)
	assert.Equal(t, 3, vp.Column)
	assert.Equal(t, "lang = 'en'", vp.Filter.String())
	assert.Equal(t, []int{0, 2}, vp.Columns)
	assert.Equal(t, []string{"id"}, p.Columns)

	lines := Explain(p.Root)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Project(id)"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[1]), "Limit(count=2"))
	assert.Contains(t, lines[2], "VectorProbe(index=docs_v_idx")
}

func TestVectorTopKBounds(t *testing.T) {
	tbl := docsTable(t, true)

	p, err := planSQL(t, tbl, "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 500")
	require.NoError(t, err)
	vp, ok := p.Probe()
	require.True(t, ok)
	assert.Equal(t, 1024, vp.Fetch)

	p, err = planSQL(t, tbl, "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 2000")
	require.NoError(t, err)
	vp, ok = p.Probe()
	require.True(t, ok)
	assert.Equal(t, 2000, vp.Fetch, "k' is never below k")

	p, err = planSQL(t, tbl, "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 5 OFFSET 3")
	require.NoError(t, err)
	vp, _ = p.Probe()
	assert.Equal(t, 8, vp.K)
	assert.Equal(t, 32, vp.Fetch)
}

func TestVectorTopKEmbeddingAndAlias(t *testing.T) {
	p, err := planSQL(t, docsTable(t, true), "SELECT id, ai_embedding('q') <-> v AS d FROM docs ORDER BY d LIMIT 3")
	require.NoError(t, err)
	vp, ok := p.Probe()
	require.True(t, ok)
	assert.Equal(t, "ai_embedding('q')", vp.Query.String())
	assert.Equal(t, []string{"id", "d"}, p.Columns)
}

func TestFallbackToScan(t *testing.T) {
	cases := map[string]string{
		"no index":    "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] LIMIT 2",
		"no limit":    "SELECT id FROM docs ORDER BY v <-> [1,0,0,0]",
		"descending":  "SELECT id FROM docs ORDER BY v <-> [1,0,0,0] DESC LIMIT 2",
		"two keys":    "SELECT id FROM docs ORDER BY v <-> [1,0,0,0], id LIMIT 2",
		"column rhs":  "SELECT id FROM docs ORDER BY v <-> v LIMIT 2",
		"scalar sort": "SELECT id FROM docs ORDER BY id LIMIT 2",
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := planSQL(t, docsTable(t, name != "no index"), q)
			require.NoError(t, err)
			_, ok := p.Probe()
			assert.False(t, ok)
			lines := Explain(p.Root)
			assert.Contains(t, lines[len(lines)-1], "TableScan(table=docs")
		})
	}
}

func TestScanPlanShape(t *testing.T) {
	p, err := planSQL(t, docsTable(t, false), "SELECT * FROM docs WHERE id > 1 ORDER BY body DESC LIMIT 10 OFFSET 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "body", "lang", "v"}, p.Columns)

	proj := p.Root.(*Project)
	lim := proj.Input.(*Limit)
	assert.EqualValues(t, 10, lim.Count)
	assert.EqualValues(t, 2, lim.Offset)
	sort := lim.Input.(*Sort)
	assert.True(t, sort.Keys[0].Desc)
	filter := sort.Input.(*Filter)
	scan := filter.Input.(*Scan)
	assert.Equal(t, []int{0, 1, 2, 3}, scan.Columns)
}

func TestProjectionPrunesColumns(t *testing.T) {
	p, err := planSQL(t, docsTable(t, false), "SELECT body FROM docs")
	require.NoError(t, err)
	scan := p.Root.(*Project).Input.(*Scan)
	assert.Equal(t, []int{1}, scan.Columns)
}

func TestAggregatePlan(t *testing.T) {
	p, err := planSQL(t, docsTable(t, true), "SELECT COUNT(*), max(id) AS top FROM docs WHERE lang = 'en'")
	require.NoError(t, err)
	assert.Equal(t, []string{"count(*)", "top"}, p.Columns)
	agg := p.Root.(*Aggregate)
	require.Len(t, agg.Calls, 2)
	_, ok := agg.Input.(*Filter)
	assert.True(t, ok)
}

func TestPlanErrors(t *testing.T) {
	tbl := docsTable(t, true)
	cases := []struct {
		query string
		kind  *errs.Error
	}{
		{"SELECT missing FROM docs", errs.NotFound},
		{"SELECT other.id FROM docs", errs.NotFound},
		{"SELECT id FROM docs WHERE nope(id) = 1", errs.NotFound},
		{"SELECT id, COUNT(*) FROM docs", errs.Type},
		{"SELECT id FROM docs WHERE COUNT(*) > 1", errs.Type},
		{"SELECT ai_embedding(body) FROM docs", errs.Type},
		{"SELECT vector_dims(v, v) FROM docs", errs.Type},
		{"SELECT sum(*) FROM docs", errs.Parse},
		{"SELECT count(max(id)) FROM docs", errs.Type},
		{"SELECT id + count(*) FROM docs", errs.Type},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			_, err := planSQL(t, tbl, tc.query)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

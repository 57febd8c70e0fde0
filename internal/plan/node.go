package plan

import (
	"fmt"
	"strings"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/sql"
)

// Node is a logical operator.
type Node interface {
	Children() []Node
	String() string
}

// Scan reads every live row of Table, decoding only Columns.
type Scan struct {
	Table   *catalog.Table
	Columns []int
}

// VectorProbe searches the HNSW index on Column and yields rows in ascending
// distance, ties by row-id. Filter, when set, is applied to each candidate.
type VectorProbe struct {
	Table   *catalog.Table
	Index   catalog.IndexDef
	Column  int
	Query   sql.Expr
	Filter  sql.Expr
	Columns []int

	// K is the number of rows the consumer needs (LIMIT + OFFSET).
	K int
	// Fetch is the initial candidate count k'.
	Fetch int
	// MaxFetch bounds k' across re-probes.
	MaxFetch int
	// Rounds is the total number of probes allowed.
	Rounds int
}

// Filter drops rows for which Pred is not true.
type Filter struct {
	Input Node
	Pred  sql.Expr
}

// Sort orders rows by Keys, ties by ascending row-id.
type Sort struct {
	Input Node
	Keys  []sql.OrderItem
}

// Limit skips Offset rows and then passes at most Count rows. Count < 0 is unbounded.
type Limit struct {
	Input  Node
	Count  int64
	Offset int64
}

// Project evaluates Exprs for each row.
type Project struct {
	Input Node
	Exprs []sql.Expr
	Names []string
}

// Aggregate folds all input rows into a single output row.
type Aggregate struct {
	Input Node
	Calls []*sql.Call
	Names []string
}

func (*Scan) Children() []Node        { return nil }
func (*VectorProbe) Children() []Node { return nil }
func (n *Filter) Children() []Node    { return []Node{n.Input} }
func (n *Sort) Children() []Node      { return []Node{n.Input} }
func (n *Limit) Children() []Node     { return []Node{n.Input} }
func (n *Project) Children() []Node   { return []Node{n.Input} }
func (n *Aggregate) Children() []Node { return []Node{n.Input} }

func (n *Scan) String() string {
	return fmt.Sprintf("TableScan(table=%s, columns=%s)", n.Table.Name, columnList(n.Table, n.Columns))
}

func (n *VectorProbe) String() string {
	s := fmt.Sprintf("VectorProbe(index=%s, column=%s.%s, metric=%s, query=%s, k=%d, k'=%d, max=%d, rounds=%d",
		n.Index.Name, n.Table.Name, n.Index.Column, n.Index.Metric, n.Query, n.K, n.Fetch, n.MaxFetch, n.Rounds)
	if n.Filter != nil {
		s += ", filter=" + n.Filter.String()
	}
	return s + ")"
}

func (n *Filter) String() string { return "Filter(" + n.Pred.String() + ")" }

func (n *Sort) String() string {
	keys := make([]string, len(n.Keys))
	for i, k := range n.Keys {
		keys[i] = k.Expr.String()
		if k.Desc {
			keys[i] += " DESC"
		}
	}
	return "Sort(" + strings.Join(keys, ", ") + ")"
}

func (n *Limit) String() string {
	return fmt.Sprintf("Limit(count=%d, offset=%d)", n.Count, n.Offset)
}

func (n *Project) String() string { return "Project(" + strings.Join(n.Names, ", ") + ")" }

func (n *Aggregate) String() string { return "Aggregate(" + strings.Join(n.Names, ", ") + ")" }

func columnList(t *catalog.Table, cols []int) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = t.Columns[c].Name
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Explain renders the tree top-down, one operator per line.
func Explain(n Node) []string {
	var lines []string
	var walk func(Node, int)
	walk = func(n Node, depth int) {
		lines = append(lines, strings.Repeat("  ", depth)+n.String())
		for _, c := range n.Children() {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return lines
}

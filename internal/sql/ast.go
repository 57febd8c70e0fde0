package sql

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/vectra/internal/catalog"
)

// Statement is a parsed SQL statement.
type Statement interface {
	statement()
}

// Expr is a parsed expression.
type Expr interface {
	expr()
	String() string
}

// Select is SELECT items FROM table [WHERE] [ORDER BY] [LIMIT] [OFFSET].
type Select struct {
	Items   []SelectItem
	Table   string
	Where   Expr
	OrderBy []OrderItem
	Limit   int64 // -1 when absent
	Offset  int64
}

// SelectItem is one projection. Star selects every column.
type SelectItem struct {
	Expr  Expr
	Alias string
	Star  bool
}

// Name returns the output column name.
func (s SelectItem) Name() string {
	if s.Alias != "" {
		return s.Alias
	}
	if c, ok := s.Expr.(*ColumnRef); ok {
		return c.Name
	}
	return s.Expr.String()
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Insert is INSERT INTO table [(cols)] VALUES (...), ....
type Insert struct {
	Table   string
	Columns []string
	Rows    [][]Expr
}

// Update is UPDATE table SET col = expr, ... [WHERE].
type Update struct {
	Table string
	Set   []Assignment
	Where Expr
}

// Assignment is one SET clause.
type Assignment struct {
	Column string
	Value  Expr
}

// Delete is DELETE FROM table [WHERE].
type Delete struct {
	Table string
	Where Expr
}

// CreateTable is CREATE TABLE [IF NOT EXISTS] name (col_def, ...).
type CreateTable struct {
	Name        string
	IfNotExists bool
	Columns     []ColumnDef
}

// ColumnDef is one column definition.
type ColumnDef struct {
	Name       string
	Type       catalog.Type
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	Default    Expr
}

// CreateIndex is CREATE INDEX [IF NOT EXISTS] [name] ON table (column)
// [USING HNSW] [WITH (key = value, ...)].
type CreateIndex struct {
	Name        string
	Table       string
	Column      string
	IfNotExists bool
	Options     map[string]catalog.Value
}

// DropTable is DROP TABLE [IF EXISTS] name.
type DropTable struct {
	Name     string
	IfExists bool
}

// ShowTables is SHOW TABLES.
type ShowTables struct{}

// Describe is DESCRIBE table.
type Describe struct {
	Table string
}

// Compact is COMPACT table.
type Compact struct {
	Table string
}

// Checkpoint is CHECKPOINT.
type Checkpoint struct{}

// Explain is EXPLAIN select.
type Explain struct {
	Select *Select
}

func (*Select) statement()      {}
func (*Insert) statement()      {}
func (*Update) statement()      {}
func (*Delete) statement()      {}
func (*CreateTable) statement() {}
func (*CreateIndex) statement() {}
func (*DropTable) statement()   {}
func (*ShowTables) statement()  {}
func (*Describe) statement()    {}
func (*Compact) statement()     {}
func (*Checkpoint) statement()  {}
func (*Explain) statement()     {}

// Literal is a constant: int64, float64, string, bool or nil.
type Literal struct {
	Value catalog.Value
}

// VectorLit is [e1, e2, ...].
type VectorLit struct {
	Elems []Expr
}

// ColumnRef names a column, optionally qualified by table.
type ColumnRef struct {
	Table string
	Name  string
}

// Binary is Left Op Right. Op is one of OR AND = != < <= > >= + - * / % || <->.
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

// Unary is NOT x or -x.
type Unary struct {
	Op string
	X  Expr
}

// Call is a function call. Star marks COUNT(*).
type Call struct {
	Name string
	Args []Expr
	Star bool
}

// IsNull is x IS [NOT] NULL.
type IsNull struct {
	X   Expr
	Not bool
}

// InList is x [NOT] IN (a, b, ...).
type InList struct {
	X    Expr
	List []Expr
	Not  bool
}

// Like is x [NOT] LIKE pattern.
type Like struct {
	X       Expr
	Pattern Expr
	Not     bool
}

func (*Literal) expr()   {}
func (*VectorLit) expr() {}
func (*ColumnRef) expr() {}
func (*Binary) expr()    {}
func (*Unary) expr()     {}
func (*Call) expr()      {}
func (*IsNull) expr()    {}
func (*InList) expr()    {}
func (*Like) expr()      {}

func (l *Literal) String() string { return FormatValue(l.Value) }

// FormatValue renders a value in SQL literal syntax.
func FormatValue(v catalog.Value) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []float32:
		parts := make([]string, len(x))
		for i, f := range x {
			parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case time.Time:
		return "'" + x.UTC().Format(time.RFC3339Nano) + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	default:
		return fmt.Sprint(v)
	}
}

func (v *VectorLit) String() string {
	return "[" + joinExprs(v.Elems) + "]"
}

func (c *ColumnRef) String() string {
	if c.Table != "" {
		return c.Table + "." + c.Name
	}
	return c.Name
}

func (b *Binary) String() string {
	return b.Left.String() + " " + b.Op + " " + b.Right.String()
}

func (u *Unary) String() string {
	if u.Op == "NOT" {
		return "NOT " + u.X.String()
	}
	return u.Op + u.X.String()
}

func (c *Call) String() string {
	if c.Star {
		return c.Name + "(*)"
	}
	return c.Name + "(" + joinExprs(c.Args) + ")"
}

func (i *IsNull) String() string {
	if i.Not {
		return i.X.String() + " IS NOT NULL"
	}
	return i.X.String() + " IS NULL"
}

func (i *InList) String() string {
	op := " IN ("
	if i.Not {
		op = " NOT IN ("
	}
	return i.X.String() + op + joinExprs(i.List) + ")"
}

func (l *Like) String() string {
	op := " LIKE "
	if l.Not {
		op = " NOT LIKE "
	}
	return l.X.String() + op + l.Pattern.String()
}

func joinExprs(es []Expr) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// IsConstant reports whether e references no columns.
func IsConstant(e Expr) bool {
	switch x := e.(type) {
	case *Literal:
		return true
	case *VectorLit:
		for _, el := range x.Elems {
			if !IsConstant(el) {
				return false
			}
		}
		return true
	case *ColumnRef:
		return false
	case *Binary:
		return IsConstant(x.Left) && IsConstant(x.Right)
	case *Unary:
		return IsConstant(x.X)
	case *Call:
		if x.Star {
			return false
		}
		for _, a := range x.Args {
			if !IsConstant(a) {
				return false
			}
		}
		return true
	case *IsNull:
		return IsConstant(x.X)
	case *InList:
		if !IsConstant(x.X) {
			return false
		}
		for _, a := range x.List {
			if !IsConstant(a) {
				return false
			}
		}
		return true
	case *Like:
		return IsConstant(x.X) && IsConstant(x.Pattern)
	}
	return false
}

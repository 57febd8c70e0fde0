package catalog

import (
	"slices"
	"strings"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/errs"
)

// Column describes one column of a table.
type Column struct {
	Name       string
	Type       Type
	PrimaryKey bool
	NotNull    bool
	Unique     bool
	HasDefault bool
	Default    Value
}

// IndexDef describes a vector index bound to (table, column).
type IndexDef struct {
	Name           string `toml:"name" json:"name"`
	Column         string `toml:"column" json:"column"`
	Metric         string `toml:"metric" json:"metric"`
	M              int    `toml:"m" json:"m"`
	EFConstruction int    `toml:"ef_construction" json:"ef_construction"`
	EF             int    `toml:"ef" json:"ef"`
}

// Table is a named schema.
type Table struct {
	ID      uint32
	Name    string
	Columns []Column
	Indexes []IndexDef
}

// NewTable validates a schema. At most one column may be the primary key;
// vectors cannot be keys.
func NewTable(name string, cols []Column) (*Table, error) {
	if err := ValidateIdent(name); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errs.New(errs.KindType, "table %q has no columns", name)
	}

	seen := make(map[string]struct{}, len(cols))
	pk := 0
	out := make([]Column, len(cols))
	for i, c := range cols {
		if err := ValidateIdent(c.Name); err != nil {
			return nil, err
		}
		key := strings.ToLower(c.Name)
		if _, dup := seen[key]; dup {
			return nil, errs.New(errs.KindType, "duplicate column %q", c.Name)
		}
		seen[key] = struct{}{}

		if c.Type.Kind == KindVector {
			if _, err := VectorType(c.Type.Dim); err != nil {
				return nil, err
			}
		} else if _, ok := kindNames[c.Type.Kind]; !ok {
			return nil, errs.New(errs.KindType, "column %q has invalid type", c.Name)
		}

		if c.PrimaryKey {
			pk++
			switch c.Type.Kind {
			case KindVector, KindJSON:
				return nil, errs.New(errs.KindType, "%s column %q cannot be a primary key", c.Type, c.Name)
			}
			c.NotNull = true
			c.Unique = true
		}

		if c.HasDefault && c.Default != nil {
			v, err := Coerce(c.Default, c.Type)
			if err != nil {
				return nil, errs.New(errs.KindType, "default for column %q: %v", c.Name, err)
			}
			c.Default = v
		}
		out[i] = c
	}
	if pk > 1 {
		return nil, errs.New(errs.KindType, "table %q declares %d primary keys", name, pk)
	}

	return &Table{Name: name, Columns: out}, nil
}

// ValidateIdent checks a table or column name.
func ValidateIdent(name string) error {
	if name == "" {
		return errs.New(errs.KindParse, "empty identifier")
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return errs.New(errs.KindParse, "invalid identifier %q", name)
		}
	}
	return nil
}

// ColumnIndex returns the ordinal of a column (case-insensitive) or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, error) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return nil, errs.New(errs.KindNotFound, "column %q not found in table %q", name, t.Name)
	}
	return &t.Columns[i], nil
}

// PrimaryKey returns the ordinal of the primary key column, or -1 when the
// table is keyed by its row-id.
func (t *Table) PrimaryKey() int {
	return slices.IndexFunc(t.Columns, func(c Column) bool { return c.PrimaryKey })
}

// ColumnNames returns the column names in schema order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IndexOn returns the vector index on column, if any.
func (t *Table) IndexOn(column string) (IndexDef, bool) {
	for _, ix := range t.Indexes {
		if strings.EqualFold(ix.Column, column) {
			return ix, true
		}
	}
	return IndexDef{}, false
}

// Index returns the vector index with the given name.
func (t *Table) Index(name string) (IndexDef, bool) {
	for _, ix := range t.Indexes {
		if strings.EqualFold(ix.Name, name) {
			return ix, true
		}
	}
	return IndexDef{}, false
}

// Clone returns a deep copy of the schema.
func (t *Table) Clone() *Table {
	c := *t
	c.Columns = slices.Clone(t.Columns)
	c.Indexes = slices.Clone(t.Indexes)
	return &c
}

// ValidateIndex checks an index definition against the schema and fills
// defaults from base.
func (t *Table) ValidateIndex(def IndexDef, base IndexDef) (IndexDef, error) {
	col, err := t.Column(def.Column)
	if err != nil {
		return IndexDef{}, err
	}
	if !col.Type.IsVector() {
		return IndexDef{}, errs.New(errs.KindType, "column %q is %s, not a vector", col.Name, col.Type)
	}
	def.Column = col.Name
	if _, ok := t.IndexOn(col.Name); ok {
		return IndexDef{}, errs.New(errs.KindDuplicateID, "column %q already has a vector index", col.Name)
	}
	if def.Name == "" {
		def.Name = t.Name + "_" + col.Name + "_idx"
	}
	if _, ok := t.Index(def.Name); ok {
		return IndexDef{}, errs.New(errs.KindDuplicateID, "index %q already exists", def.Name)
	}
	if def.Metric == "" {
		def.Metric = base.Metric
	}
	if _, err := distance.ParseMetric(def.Metric); err != nil {
		return IndexDef{}, errs.New(errs.KindType, "index %q: %v", def.Name, err)
	}
	if def.M == 0 {
		def.M = base.M
	}
	if def.EFConstruction == 0 {
		def.EFConstruction = base.EFConstruction
	}
	if def.EF == 0 {
		def.EF = base.EF
	}
	if def.M < 2 || def.EFConstruction < 1 || def.EF < 1 {
		return IndexDef{}, errs.New(errs.KindType, "invalid HNSW parameters m=%d ef_construction=%d ef=%d", def.M, def.EFConstruction, def.EF)
	}
	return def, nil
}

// CoerceRow coerces every value to its column type and enforces NOT NULL.
func (t *Table) CoerceRow(row Row) (Row, error) {
	if len(row) != len(t.Columns) {
		return nil, errs.New(errs.KindType, "table %q has %d columns, row has %d", t.Name, len(t.Columns), len(row))
	}
	out := make(Row, len(row))
	for i, c := range t.Columns {
		v, err := Coerce(row[i], c.Type)
		if err != nil {
			return nil, errs.New(errs.KindOf(err), "column %q: %v", c.Name, err)
		}
		if v == nil && c.NotNull {
			return nil, errs.New(errs.KindType, "column %q cannot be NULL", c.Name)
		}
		out[i] = v
	}
	return out, nil
}

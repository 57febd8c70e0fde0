package catalog

import (
	"bytes"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"

	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/fs"
)

// FileName is the catalog file inside the data directory.
const FileName = "catalog.toml"

const formatVersion = 1

// Catalog maps table names to schemas. Tables are copy-on-write: a *Table
// returned by Get is never mutated afterwards.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
	nextID uint32
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{tables: make(map[string]*Table), nextID: 1}
}

// Create registers t. A zero t.ID is assigned from the catalog sequence;
// a non-zero ID (replay) advances the sequence past it.
func (c *Catalog) Create(t *Table) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(t.Name)
	if _, ok := c.tables[key]; ok {
		return nil, errs.New(errs.KindDuplicateID, "table %q already exists", t.Name)
	}
	t = t.Clone()
	if t.ID == 0 {
		t.ID = c.nextID
	}
	if t.ID >= c.nextID {
		c.nextID = t.ID + 1
	}
	c.tables[key] = t
	return t, nil
}

// Drop removes a table and returns its last schema.
func (c *Catalog) Drop(name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(name)
	t, ok := c.tables[key]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "table %q not found", name)
	}
	delete(c.tables, key)
	return t, nil
}

// Get returns the named table.
func (c *Catalog) Get(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[strings.ToLower(name)]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "table %q not found", name)
	}
	return t, nil
}

// AddIndex attaches a validated index definition to a table.
func (c *Catalog) AddIndex(table string, def IndexDef) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(table)
	t, ok := c.tables[key]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "table %q not found", table)
	}
	if _, dup := t.IndexOn(def.Column); dup {
		return nil, errs.New(errs.KindDuplicateID, "column %q already has a vector index", def.Column)
	}
	nt := t.Clone()
	nt.Indexes = append(nt.Indexes, def)
	c.tables[key] = nt
	return nt, nil
}

// Tables returns all tables sorted by name.
func (c *Catalog) Tables() []*Table {
	c.mu.RLock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Table) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of tables.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

// TableSpec is the serialized form of a table, shared by catalog.toml and
// the WAL.
type TableSpec struct {
	ID      uint32       `toml:"id" msgpack:"id"`
	Name    string       `toml:"name" msgpack:"name"`
	Columns []ColumnSpec `toml:"columns" msgpack:"columns"`
	Indexes []IndexDef   `toml:"indexes,omitempty" msgpack:"indexes,omitempty"`
}

// ColumnSpec is the serialized form of a column. Default holds JSON text.
type ColumnSpec struct {
	Name       string `toml:"name" msgpack:"name"`
	Type       string `toml:"type" msgpack:"type"`
	PrimaryKey bool   `toml:"primary_key,omitempty" msgpack:"pk,omitempty"`
	NotNull    bool   `toml:"not_null,omitempty" msgpack:"not_null,omitempty"`
	Unique     bool   `toml:"unique,omitempty" msgpack:"unique,omitempty"`
	HasDefault bool   `toml:"has_default,omitempty" msgpack:"has_default,omitempty"`
	Default    string `toml:"default,omitempty" msgpack:"default,omitempty"`
}

// Spec converts t to its serialized form.
func (t *Table) Spec() (TableSpec, error) {
	s := TableSpec{ID: t.ID, Name: t.Name, Indexes: slices.Clone(t.Indexes)}
	for _, c := range t.Columns {
		cs := ColumnSpec{
			Name:       c.Name,
			Type:       c.Type.String(),
			PrimaryKey: c.PrimaryKey,
			NotNull:    c.NotNull,
			Unique:     c.Unique,
			HasDefault: c.HasDefault,
		}
		if c.HasDefault {
			b, err := json.Marshal(ToJSON(c.Default))
			if err != nil {
				return TableSpec{}, errs.Wrap(errs.KindInternal, err, "encode default for %q", c.Name)
			}
			cs.Default = string(b)
		}
		s.Columns = append(s.Columns, cs)
	}
	return s, nil
}

// FromSpec rebuilds and validates a table.
func FromSpec(s TableSpec) (*Table, error) {
	cols := make([]Column, 0, len(s.Columns))
	for _, cs := range s.Columns {
		typ, err := ParseType(cs.Type)
		if err != nil {
			return nil, err
		}
		col := Column{
			Name:       cs.Name,
			Type:       typ,
			PrimaryKey: cs.PrimaryKey,
			NotNull:    cs.NotNull,
			Unique:     cs.Unique,
			HasDefault: cs.HasDefault,
		}
		if cs.HasDefault && cs.Default != "" {
			dec := json.NewDecoder(strings.NewReader(cs.Default))
			dec.UseNumber()
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, errs.Wrap(errs.KindInternal, err, "decode default for %q", cs.Name)
			}
			col.Default = v
		}
		cols = append(cols, col)
	}
	t, err := NewTable(s.Name, cols)
	if err != nil {
		return nil, err
	}
	t.ID = s.ID
	t.Indexes = slices.Clone(s.Indexes)
	return t, nil
}

type file struct {
	Version     int         `toml:"version"`
	NextTableID uint32      `toml:"next_table_id"`
	Tables      []TableSpec `toml:"tables"`
}

// Encode renders the catalog as TOML.
func (c *Catalog) Encode() ([]byte, error) {
	tables := c.Tables()

	c.mu.RLock()
	f := file{Version: formatVersion, NextTableID: c.nextID}
	c.mu.RUnlock()

	for _, t := range tables {
		s, err := t.Spec()
		if err != nil {
			return nil, err
		}
		f.Tables = append(f.Tables, s)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(f); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "encode catalog")
	}
	return buf.Bytes(), nil
}

// Decode parses a catalog rendered by Encode.
func Decode(data []byte) (*Catalog, error) {
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode catalog")
	}
	if f.Version != formatVersion {
		return nil, errs.New(errs.KindInternal, "unsupported catalog version %d", f.Version)
	}
	c := New()
	for _, s := range f.Tables {
		t, err := FromSpec(s)
		if err != nil {
			return nil, err
		}
		if _, err := c.Create(t); err != nil {
			return nil, err
		}
	}
	if f.NextTableID > c.nextID {
		c.nextID = f.NextTableID
	}
	return c, nil
}

// Save writes the catalog atomically.
func (c *Catalog) Save(fsys fs.FileSystem, path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, path, data)
}

// Load reads a catalog file. A missing file yields an empty catalog.
func Load(fsys fs.FileSystem, path string) (*Catalog, error) {
	data, err := fs.ReadFileRetry(fsys, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	return Decode(data)
}

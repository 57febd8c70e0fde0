package sql

import (
	"math"
	"strconv"
	"strings"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
)

// Parse parses a single statement. A trailing semicolon is allowed.
func Parse(input string) (Statement, error) {
	toks, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.statement()
	if err != nil {
		return nil, err
	}
	p.accept(";")
	if p.peek().Kind != TokenEOF {
		return nil, p.errorf("unexpected %s after statement", p.peek())
	}
	return stmt, nil
}

// ParseExpr parses a standalone expression.
func ParseExpr(input string) (Expr, error) {
	toks, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != TokenEOF {
		return nil, p.errorf("unexpected %s after expression", p.peek())
	}
	return e, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if t.Kind != TokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(s string) bool {
	if p.peek().is(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.accept(s) {
		return p.errorf("expected %s, found %s", s, p.peek())
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	args = append(args, p.peek().Pos)
	return errs.New(errs.KindParse, format+" at position %d", args...)
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	switch t.Kind {
	case TokenIdent:
		if reserved[strings.ToUpper(t.Text)] {
			return "", p.errorf("expected identifier, found keyword %s", t)
		}
		p.pos++
		return t.Text, nil
	case TokenQuotedIdent:
		p.pos++
		return t.Text, nil
	}
	return "", p.errorf("expected identifier, found %s", t)
}

var reserved = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "ORDER": true, "BY": true,
	"LIMIT": true, "OFFSET": true, "INSERT": true, "INTO": true, "VALUES": true,
	"UPDATE": true, "SET": true, "DELETE": true, "CREATE": true, "TABLE": true,
	"INDEX": true, "ON": true, "DROP": true, "AND": true, "OR": true, "NOT": true,
	"NULL": true, "IS": true, "IN": true, "LIKE": true, "AS": true, "ASC": true,
	"DESC": true, "TRUE": true, "FALSE": true, "PRIMARY": true, "DEFAULT": true,
	"WITH": true, "USING": true,
}

func (p *parser) statement() (Statement, error) {
	t := p.peek()
	switch {
	case t.is("SELECT"):
		return p.selectStmt()
	case t.is("INSERT"):
		return p.insertStmt()
	case t.is("UPDATE"):
		return p.updateStmt()
	case t.is("DELETE"):
		return p.deleteStmt()
	case t.is("CREATE"):
		if p.peekAt(1).is("TABLE") {
			return p.createTable()
		}
		return p.createIndex()
	case t.is("DROP"):
		return p.dropTable()
	case t.is("SHOW"):
		p.next()
		if err := p.expect("TABLES"); err != nil {
			return nil, err
		}
		return &ShowTables{}, nil
	case t.is("DESCRIBE"), t.is("DESC"):
		p.next()
		p.accept("TABLE")
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Describe{Table: name}, nil
	case t.is("COMPACT"):
		p.next()
		p.accept("TABLE")
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Compact{Table: name}, nil
	case t.is("CHECKPOINT"):
		p.next()
		return &Checkpoint{}, nil
	case t.is("EXPLAIN"):
		p.next()
		if !p.peek().is("SELECT") {
			return nil, p.errorf("EXPLAIN supports SELECT only, found %s", p.peek())
		}
		s, err := p.selectStmt()
		if err != nil {
			return nil, err
		}
		return &Explain{Select: s}, nil
	}
	return nil, p.errorf("unexpected %s at start of statement", t)
}

func (p *parser) selectStmt() (*Select, error) {
	p.next()
	s := &Select{Limit: -1}

	for {
		if p.accept("*") {
			s.Items = append(s.Items, SelectItem{Star: true})
		} else {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.accept("AS") {
				if item.Alias, err = p.ident(); err != nil {
					return nil, err
				}
			} else if k := p.peek().Kind; k == TokenQuotedIdent || k == TokenIdent && !reserved[strings.ToUpper(p.peek().Text)] {
				item.Alias = p.next().Text
			}
			s.Items = append(s.Items, item)
		}
		if !p.accept(",") {
			break
		}
	}

	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	var err error
	if s.Table, err = p.ident(); err != nil {
		return nil, err
	}

	if p.accept("WHERE") {
		if s.Where, err = p.expr(); err != nil {
			return nil, err
		}
	}
	if p.accept("ORDER") {
		if err := p.expect("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.accept("DESC") {
				item.Desc = true
			} else {
				p.accept("ASC")
			}
			s.OrderBy = append(s.OrderBy, item)
			if !p.accept(",") {
				break
			}
		}
	}
	if p.accept("LIMIT") {
		if s.Limit, err = p.count(); err != nil {
			return nil, err
		}
	}
	if p.accept("OFFSET") {
		if s.Offset, err = p.count(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *parser) count() (int64, error) {
	t := p.peek()
	if t.Kind != TokenNumber {
		return 0, p.errorf("expected non-negative integer, found %s", t)
	}
	n, err := strconv.ParseInt(t.Text, 10, 64)
	if err != nil || n < 0 {
		return 0, p.errorf("expected non-negative integer, found %s", t)
	}
	p.next()
	return n, nil
}

func (p *parser) insertStmt() (*Insert, error) {
	p.next()
	if err := p.expect("INTO"); err != nil {
		return nil, err
	}
	ins := &Insert{}
	var err error
	if ins.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if p.accept("(") {
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			ins.Columns = append(ins.Columns, col)
			if !p.accept(",") {
				break
			}
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expect("VALUES"); err != nil {
		return nil, err
	}
	for {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		row, err := p.exprList(")")
		if err != nil {
			return nil, err
		}
		ins.Rows = append(ins.Rows, row)
		if !p.accept(",") {
			break
		}
	}
	return ins, nil
}

func (p *parser) updateStmt() (*Update, error) {
	p.next()
	u := &Update{}
	var err error
	if u.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if err := p.expect("SET"); err != nil {
		return nil, err
	}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect("="); err != nil {
			return nil, err
		}
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		u.Set = append(u.Set, Assignment{Column: col, Value: v})
		if !p.accept(",") {
			break
		}
	}
	if p.accept("WHERE") {
		if u.Where, err = p.expr(); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (p *parser) deleteStmt() (*Delete, error) {
	p.next()
	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	d := &Delete{}
	var err error
	if d.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if p.accept("WHERE") {
		if d.Where, err = p.expr(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (p *parser) ifNotExists() (bool, error) {
	if !p.accept("IF") {
		return false, nil
	}
	if err := p.expect("NOT"); err != nil {
		return false, err
	}
	return true, p.expect("EXISTS")
}

func (p *parser) createTable() (*CreateTable, error) {
	p.next()
	p.next()
	ct := &CreateTable{}
	var err error
	if ct.IfNotExists, err = p.ifNotExists(); err != nil {
		return nil, err
	}
	if ct.Name, err = p.ident(); err != nil {
		return nil, err
	}
	if err := p.expect("("); err != nil {
		return nil, err
	}
	for {
		if p.peek().is("PRIMARY") {
			if err := p.tablePrimaryKey(ct); err != nil {
				return nil, err
			}
		} else {
			col, err := p.columnDef()
			if err != nil {
				return nil, err
			}
			ct.Columns = append(ct.Columns, col)
		}
		if !p.accept(",") {
			break
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return ct, nil
}

// tablePrimaryKey handles a trailing PRIMARY KEY (col) clause.
func (p *parser) tablePrimaryKey(ct *CreateTable) error {
	p.next()
	if err := p.expect("KEY"); err != nil {
		return err
	}
	if err := p.expect("("); err != nil {
		return err
	}
	name, err := p.ident()
	if err != nil {
		return err
	}
	if err := p.expect(")"); err != nil {
		return err
	}
	for i := range ct.Columns {
		if strings.EqualFold(ct.Columns[i].Name, name) {
			ct.Columns[i].PrimaryKey = true
			return nil
		}
	}
	return p.errorf("primary key column %q is not defined", name)
}

func (p *parser) columnDef() (ColumnDef, error) {
	var col ColumnDef
	var err error
	if col.Name, err = p.ident(); err != nil {
		return col, err
	}
	if col.Type, err = p.typeName(); err != nil {
		return col, err
	}
	for {
		switch {
		case p.accept("PRIMARY"):
			if err := p.expect("KEY"); err != nil {
				return col, err
			}
			col.PrimaryKey = true
		case p.accept("NOT"):
			if err := p.expect("NULL"); err != nil {
				return col, err
			}
			col.NotNull = true
		case p.accept("NULL"):
		case p.accept("UNIQUE"):
			col.Unique = true
		case p.accept("DEFAULT"):
			if col.Default, err = p.unary(); err != nil {
				return col, err
			}
		default:
			return col, nil
		}
	}
}

func (p *parser) typeName() (catalog.Type, error) {
	t := p.peek()
	if t.Kind != TokenIdent {
		return catalog.Type{}, p.errorf("expected type, found %s", t)
	}
	p.next()
	if t.is("VECTOR") {
		if err := p.expect("("); err != nil {
			return catalog.Type{}, err
		}
		n := p.peek()
		dim, err := strconv.Atoi(n.Text)
		if n.Kind != TokenNumber || err != nil {
			return catalog.Type{}, p.errorf("expected vector dimension, found %s", n)
		}
		p.next()
		if err := p.expect(")"); err != nil {
			return catalog.Type{}, err
		}
		return catalog.VectorType(dim)
	}
	if t.is("DOUBLE") {
		p.accept("PRECISION")
	}
	typ, err := catalog.ParseType(t.Text)
	if err != nil {
		return catalog.Type{}, err
	}
	// VARCHAR(255) and similar length modifiers are accepted and ignored.
	if p.peek().is("(") && p.peekAt(1).Kind == TokenNumber && p.peekAt(2).is(")") {
		p.pos += 3
	}
	return typ, nil
}

func (p *parser) createIndex() (*CreateIndex, error) {
	p.next()
	if err := p.expect("INDEX"); err != nil {
		return nil, err
	}
	ci := &CreateIndex{Options: map[string]catalog.Value{}}
	var err error
	if ci.IfNotExists, err = p.ifNotExists(); err != nil {
		return nil, err
	}
	if !p.peek().is("ON") {
		if ci.Name, err = p.ident(); err != nil {
			return nil, err
		}
	}
	if err := p.expect("ON"); err != nil {
		return nil, err
	}
	if ci.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if p.accept("USING") {
		if err := p.expect("HNSW"); err != nil {
			return nil, err
		}
	}
	if err := p.expect("("); err != nil {
		return nil, err
	}
	if ci.Column, err = p.ident(); err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if p.accept("USING") {
		if err := p.expect("HNSW"); err != nil {
			return nil, err
		}
	}
	if p.accept("WITH") {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		for {
			k, err := p.ident()
			if err != nil {
				return nil, err
			}
			if err := p.expect("="); err != nil {
				return nil, err
			}
			v, err := p.unary()
			if err != nil {
				return nil, err
			}
			lit, ok := v.(*Literal)
			if !ok {
				return nil, p.errorf("index option %q must be a literal", k)
			}
			ci.Options[strings.ToLower(k)] = lit.Value
			if !p.accept(",") {
				break
			}
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
	}
	return ci, nil
}

func (p *parser) dropTable() (*DropTable, error) {
	p.next()
	if err := p.expect("TABLE"); err != nil {
		return nil, err
	}
	d := &DropTable{}
	if p.accept("IF") {
		if err := p.expect("EXISTS"); err != nil {
			return nil, err
		}
		d.IfExists = true
	}
	var err error
	d.Name, err = p.ident()
	return d, err
}

func (p *parser) exprList(closer string) ([]Expr, error) {
	var out []Expr
	if p.accept(closer) {
		return out, nil
	}
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if !p.accept(",") {
			break
		}
	}
	return out, p.expect(closer)
}

// Precedence, lowest first: OR, AND, NOT, comparison/IS/IN/LIKE, <->,
// additive and ||, multiplicative, unary minus.

func (p *parser) expr() (Expr, error) { return p.or() }

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.accept("AND") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) not() (Expr, error) {
	if p.accept("NOT") {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", X: x}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (Expr, error) {
	left, err := p.distance()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		switch {
		case t.Kind == TokenOp && (t.Text == "=" || t.Text == "!=" || t.Text == "<>" || t.Text == "<" || t.Text == "<=" || t.Text == ">" || t.Text == ">="):
			p.next()
			right, err := p.distance()
			if err != nil {
				return nil, err
			}
			op := t.Text
			if op == "<>" {
				op = "!="
			}
			left = &Binary{Op: op, Left: left, Right: right}
		case t.is("IS"):
			p.next()
			not := p.accept("NOT")
			if err := p.expect("NULL"); err != nil {
				return nil, err
			}
			left = &IsNull{X: left, Not: not}
		case t.is("NOT") && (p.peekAt(1).is("IN") || p.peekAt(1).is("LIKE")):
			p.next()
			if left, err = p.inOrLike(left, true); err != nil {
				return nil, err
			}
		case t.is("IN"), t.is("LIKE"):
			if left, err = p.inOrLike(left, false); err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *parser) inOrLike(left Expr, not bool) (Expr, error) {
	if p.accept("LIKE") {
		pat, err := p.distance()
		if err != nil {
			return nil, err
		}
		return &Like{X: left, Pattern: pat, Not: not}, nil
	}
	p.next()
	if err := p.expect("("); err != nil {
		return nil, err
	}
	list, err := p.exprList(")")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, p.errorf("empty IN list")
	}
	return &InList{X: left, List: list, Not: not}, nil
}

func (p *parser) distance() (Expr, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}
	for p.accept("<->") {
		right, err := p.additive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "<->", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) additive() (Expr, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !(t.is("+") || t.is("-") || t.is("||")) {
			return left, nil
		}
		p.next()
		right, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.Text, Left: left, Right: right}
	}
}

func (p *parser) multiplicative() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !(t.is("*") || t.is("/") || t.is("%")) {
			return left, nil
		}
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.Text, Left: left, Right: right}
	}
}

func (p *parser) unary() (Expr, error) {
	if p.accept("-") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &Unary{Op: "-", X: x}, nil
	}
	if p.accept("+") {
		return p.unary()
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	switch t.Kind {
	case TokenNumber:
		p.next()
		return numberLiteral(t.Text)
	case TokenString:
		p.next()
		return &Literal{Value: t.Text}, nil
	case TokenQuotedIdent:
		p.next()
		return p.columnRef(t.Text)
	case TokenOp:
		switch t.Text {
		case "(":
			p.next()
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			return e, p.expect(")")
		case "[":
			p.next()
			elems, err := p.exprList("]")
			if err != nil {
				return nil, err
			}
			return &VectorLit{Elems: elems}, nil
		}
	case TokenIdent:
		switch {
		case t.is("NULL"):
			p.next()
			return &Literal{Value: nil}, nil
		case t.is("TRUE"):
			p.next()
			return &Literal{Value: true}, nil
		case t.is("FALSE"):
			p.next()
			return &Literal{Value: false}, nil
		}
		if reserved[strings.ToUpper(t.Text)] {
			break
		}
		p.next()
		if p.accept("(") {
			call := &Call{Name: strings.ToLower(t.Text)}
			if p.accept("*") {
				call.Star = true
				return call, p.expect(")")
			}
			args, err := p.exprList(")")
			if err != nil {
				return nil, err
			}
			call.Args = args
			return call, nil
		}
		return p.columnRef(t.Text)
	}
	return nil, p.errorf("unexpected %s in expression", t)
}

func (p *parser) columnRef(name string) (Expr, error) {
	if p.accept(".") {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &ColumnRef{Table: name, Name: col}, nil
	}
	return &ColumnRef{Name: name}, nil
}

func numberLiteral(s string) (Expr, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return &Literal{Value: n}, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return nil, errs.New(errs.KindParse, "invalid number %q", s)
	}
	return &Literal{Value: f}, nil
}

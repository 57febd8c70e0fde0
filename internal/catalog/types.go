// Package catalog holds table schemas, column types and value coercion.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/vectra/internal/errs"
)

// MaxVectorDim is the largest VECTOR(d) dimension.
const MaxVectorDim = 65536

// Kind is a column type kind.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindText
	KindBool
	KindTimestamp
	KindJSON
	KindVector
)

var kindNames = map[Kind]string{
	KindInt:       "INT",
	KindFloat:     "FLOAT",
	KindText:      "TEXT",
	KindBool:      "BOOL",
	KindTimestamp: "TIMESTAMP",
	KindJSON:      "JSON",
	KindVector:    "VECTOR",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Type is a column type. Dim is set for vectors only.
type Type struct {
	Kind Kind
	Dim  int
}

func (t Type) String() string {
	if t.Kind == KindVector {
		return fmt.Sprintf("VECTOR(%d)", t.Dim)
	}
	return t.Kind.String()
}

// IsVector reports whether t is a vector type.
func (t Type) IsVector() bool { return t.Kind == KindVector }

// Vector returns VECTOR(dim).
func Vector(dim int) Type { return Type{Kind: KindVector, Dim: dim} }

// Scalar returns a non-vector type.
func Scalar(k Kind) Type { return Type{Kind: k} }

// ParseType parses a type name such as INT, TEXT or VECTOR(384). Common
// aliases (INTEGER, BIGINT, REAL, DOUBLE, VARCHAR, BOOLEAN, ...) are accepted.
func ParseType(s string) (Type, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if rest, ok := strings.CutPrefix(s, "VECTOR"); ok {
		rest = strings.TrimSpace(rest)
		if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
			return Type{}, errs.New(errs.KindType, "VECTOR requires a dimension")
		}
		dim, err := strconv.Atoi(strings.TrimSpace(rest[1 : len(rest)-1]))
		if err != nil {
			return Type{}, errs.New(errs.KindType, "invalid VECTOR dimension %q", rest)
		}
		return VectorType(dim)
	}
	switch s {
	case "INT", "INTEGER", "BIGINT", "SMALLINT":
		return Scalar(KindInt), nil
	case "FLOAT", "REAL", "DOUBLE", "NUMERIC", "DECIMAL":
		return Scalar(KindFloat), nil
	case "TEXT", "VARCHAR", "STRING", "CHAR":
		return Scalar(KindText), nil
	case "BOOL", "BOOLEAN":
		return Scalar(KindBool), nil
	case "TIMESTAMP", "DATETIME":
		return Scalar(KindTimestamp), nil
	case "JSON", "JSONB":
		return Scalar(KindJSON), nil
	default:
		return Type{}, errs.New(errs.KindType, "unknown type %q", s)
	}
}

// VectorType validates dim and returns VECTOR(dim).
func VectorType(dim int) (Type, error) {
	if dim < 1 || dim > MaxVectorDim {
		return Type{}, errs.New(errs.KindType, "VECTOR dimension %d out of range [1, %d]", dim, MaxVectorDim)
	}
	return Vector(dim), nil
}

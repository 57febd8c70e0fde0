package catalog

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/vectra/distance"
	"github.com/hupe1980/vectra/internal/errs"
)

// A Value is one of: nil, int64, float64, string, bool, time.Time,
// json.RawMessage or []float32.
type Value = any

// Row is a tuple in schema order.
type Row []Value

// TimestampLayouts are accepted when coercing text to TIMESTAMP.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Coerce converts v to the representation of column type t. Vector length
// mismatches are DimensionMismatch errors; anything else incompatible is a
// TypeError.
func Coerce(v Value, t Type) (Value, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		v = fromNumber(n)
	}
	switch t.Kind {
	case KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1<<63 {
				return int64(x), nil
			}
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return n, nil
			}
		}
	case KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, nil
			}
		}
	case KindText:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.RawMessage:
			return string(x), nil
		}
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b, nil
			}
		}
	case KindTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case int64:
			return time.Unix(x, 0).UTC(), nil
		case string:
			for _, layout := range TimestampLayouts {
				if ts, err := time.Parse(layout, x); err == nil {
					return ts.UTC(), nil
				}
			}
		}
	case KindJSON:
		switch x := v.(type) {
		case json.RawMessage:
			if json.Valid(x) {
				return x, nil
			}
		case string:
			if json.Valid([]byte(x)) {
				return json.RawMessage(x), nil
			}
		default:
			b, err := json.Marshal(x)
			if err == nil {
				return json.RawMessage(b), nil
			}
		}
	case KindVector:
		vec, ok := ToVector(v)
		if !ok {
			break
		}
		if len(vec) != t.Dim {
			return nil, errs.New(errs.KindDimensionMismatch, "expected vector of dimension %d, got %d", t.Dim, len(vec))
		}
		if !distance.IsFinite(vec) {
			return nil, errs.New(errs.KindType, "vector has non-finite component")
		}
		return vec, nil
	}
	return nil, errs.New(errs.KindType, "cannot use %s as %s", TypeName(v), t)
}

// ToVector converts vector-shaped values ([]float32, []float64, []any of numbers).
func ToVector(v Value) ([]float32, bool) {
	switch x := v.(type) {
	case []float32:
		return x, true
	case []float64:
		out := make([]float32, len(x))
		for i, f := range x {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, len(x))
		for i, e := range x {
			switch n := e.(type) {
			case float64:
				out[i] = float32(n)
			case int64:
				out[i] = float32(n)
			case float32:
				out[i] = n
			case int:
				out[i] = float32(n)
			case json.Number:
				f, err := n.Float64()
				if err != nil {
					return nil, false
				}
				out[i] = float32(f)
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

func fromNumber(n json.Number) Value {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// TypeName names the dynamic type of a value for error messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case int64:
		return "INT"
	case float64:
		return "FLOAT"
	case string:
		return "TEXT"
	case bool:
		return "BOOL"
	case time.Time:
		return "TIMESTAMP"
	case json.RawMessage:
		return "JSON"
	case []float32:
		return "VECTOR"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Compare orders two non-null values. Numbers compare across INT and FLOAT.
// ok is false when the values are not comparable.
func Compare(a, b Value) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return cmp.Compare(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return cmp.Compare(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	case json.RawMessage:
		if y, ok := b.(json.RawMessage); ok {
			return bytes.Compare(x, y), true
		}
	case []float32:
		if y, ok := b.([]float32); ok {
			for i := range min(len(x), len(y)) {
				if c := cmp.Compare(x[i], y[i]); c != 0 {
					return c, true
				}
			}
			return cmp.Compare(len(x), len(y)), true
		}
	}
	return 0, false
}

// Equal reports whether two values are equal under Compare.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Key returns a canonical map key for a primary-key value.
func Key(v Value) (string, error) {
	switch x := v.(type) {
	case int64:
		return "i" + strconv.FormatInt(x, 10), nil
	case string:
		return "s" + x, nil
	case bool:
		return "b" + strconv.FormatBool(x), nil
	case float64:
		return "f" + strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return "t" + x.UTC().Format(time.RFC3339Nano), nil
	case nil:
		return "", errs.New(errs.KindType, "primary key cannot be NULL")
	default:
		return "", errs.New(errs.KindType, "%s cannot be a primary key", TypeName(v))
	}
}

// ToJSON converts a value to its wire representation.
func ToJSON(v Value) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	default:
		return v
	}
}

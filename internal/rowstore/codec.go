package rowstore

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/hupe1980/vectra/internal/catalog"
)

// ErrCorruptRow is returned when an encoded row cannot be decoded.
var ErrCorruptRow = errors.New("rowstore: corrupt row encoding")

const (
	tagNull byte = iota
	tagInt
	tagFloat
	tagText
	tagBool
	tagTimestamp
	tagJSON
	tagVector
)

// Encoded is a row in its storage form:
// [u16 ncols] then per column [u8 tag][payload], where INT, FLOAT and
// TIMESTAMP are 8 bytes, BOOL is 1 byte, TEXT and JSON are [u32 len][bytes]
// and VECTOR is [u32 dim][f32...].
type Encoded []byte

// EncodeRow appends the storage form of row to dst.
func EncodeRow(dst []byte, row catalog.Row) ([]byte, error) {
	if len(row) > math.MaxUint16 {
		return nil, errors.New("rowstore: too many columns")
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(row)))
	for _, v := range row {
		switch x := v.(type) {
		case nil:
			dst = append(dst, tagNull)
		case int64:
			dst = append(dst, tagInt)
			dst = binary.LittleEndian.AppendUint64(dst, uint64(x))
		case float64:
			dst = append(dst, tagFloat)
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(x))
		case string:
			dst = append(dst, tagText)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(x)))
			dst = append(dst, x...)
		case bool:
			dst = append(dst, tagBool)
			if x {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}
		case time.Time:
			dst = append(dst, tagTimestamp)
			dst = binary.LittleEndian.AppendUint64(dst, uint64(x.UnixNano()))
		case json.RawMessage:
			dst = append(dst, tagJSON)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(x)))
			dst = append(dst, x...)
		case []float32:
			dst = append(dst, tagVector)
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(x)))
			for _, f := range x {
				dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
			}
		default:
			return nil, errors.New("rowstore: unsupported value type " + catalog.TypeName(v))
		}
	}
	return dst, nil
}

// Decode materializes every column.
func (e Encoded) Decode() (catalog.Row, error) {
	return e.decode(nil)
}

// DecodeColumns materializes only the listed ordinals. Other positions of
// the returned row are nil.
func (e Encoded) DecodeColumns(want []int) (catalog.Row, error) {
	mask := make([]bool, e.NumColumns())
	for _, i := range want {
		if i >= 0 && i < len(mask) {
			mask[i] = true
		}
	}
	return e.decode(mask)
}

// Column materializes a single ordinal.
func (e Encoded) Column(i int) (catalog.Value, error) {
	row, err := e.DecodeColumns([]int{i})
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(row) {
		return nil, ErrCorruptRow
	}
	return row[i], nil
}

// NumColumns returns the column count, or 0 for a malformed row.
func (e Encoded) NumColumns() int {
	if len(e) < 2 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(e))
}

func (e Encoded) decode(mask []bool) (catalog.Row, error) {
	if len(e) < 2 {
		return nil, ErrCorruptRow
	}
	n := int(binary.LittleEndian.Uint16(e))
	row := make(catalog.Row, n)
	buf := e[2:]
	for i := range n {
		if len(buf) < 1 {
			return nil, ErrCorruptRow
		}
		tag := buf[0]
		buf = buf[1:]
		want := mask == nil || mask[i]

		var size int
		switch tag {
		case tagNull:
		case tagInt, tagFloat, tagTimestamp:
			size = 8
		case tagBool:
			size = 1
		case tagText, tagJSON:
			if len(buf) < 4 {
				return nil, ErrCorruptRow
			}
			size = 4 + int(binary.LittleEndian.Uint32(buf))
		case tagVector:
			if len(buf) < 4 {
				return nil, ErrCorruptRow
			}
			size = 4 + 4*int(binary.LittleEndian.Uint32(buf))
		default:
			return nil, ErrCorruptRow
		}
		if len(buf) < size {
			return nil, ErrCorruptRow
		}
		if want {
			row[i] = decodeValue(tag, buf[:size])
		}
		buf = buf[size:]
	}
	return row, nil
}

func decodeValue(tag byte, p []byte) catalog.Value {
	switch tag {
	case tagInt:
		return int64(binary.LittleEndian.Uint64(p))
	case tagFloat:
		return math.Float64frombits(binary.LittleEndian.Uint64(p))
	case tagTimestamp:
		return time.Unix(0, int64(binary.LittleEndian.Uint64(p))).UTC()
	case tagBool:
		return p[0] == 1
	case tagText:
		return string(p[4:])
	case tagJSON:
		return json.RawMessage(append([]byte(nil), p[4:]...))
	case tagVector:
		dim := int(binary.LittleEndian.Uint32(p))
		v := make([]float32, dim)
		for i := range v {
			v[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4+4*i:]))
		}
		return v
	}
	return nil
}

package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	RecordTypeCreateTable RecordType = 1
	RecordTypeDropTable   RecordType = 2
	RecordTypeCreateIndex RecordType = 3
	RecordTypePut         RecordType = 4
	RecordTypeDelete      RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeCreateTable:
		return "create_table"
	case RecordTypeDropTable:
		return "drop_table"
	case RecordTypeCreateIndex:
		return "create_index"
	case RecordTypePut:
		return "put"
	case RecordTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

const (
	// headerSize is len + type + lsn.
	headerSize = 4 + 1 + 8
	// trailerSize is the crc32.
	trailerSize = 4
	// maxPayload bounds a single record.
	maxPayload = 256 << 20
)

// Record is a single entry of the log. The payload is opaque to the WAL.
type Record struct {
	LSN     uint64
	Type    RecordType
	Payload []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return headerSize + len(r.Payload) + trailerSize
}

// AppendTo appends the encoded record to dst.
// Format: [u32 len][u8 type][u64 lsn][payload][u32 crc32], where len is the
// payload length and the crc covers type, lsn and payload.
func (r *Record) AppendTo(dst []byte) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Payload)))
	dst = append(dst, byte(r.Type))
	dst = binary.LittleEndian.AppendUint64(dst, r.LSN)
	dst = append(dst, r.Payload...)
	sum := crc32.ChecksumIEEE(dst[start+4:])
	return binary.LittleEndian.AppendUint32(dst, sum)
}

// Decode reads one record from r. It returns io.EOF at a clean end and
// io.ErrUnexpectedEOF for a record cut short.
func Decode(r io.Reader) (*Record, int64, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, int64(n), io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length > maxPayload {
		return nil, headerSize, ErrRecordTooLarge
	}

	body := make([]byte, int(length)+trailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, headerSize, io.ErrUnexpectedEOF
	}
	payload := body[:length]

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != binary.LittleEndian.Uint32(body[length:]) {
		return nil, headerSize + int64(len(body)), ErrInvalidCRC
	}

	rec := &Record{
		Type:    RecordType(header[4]),
		LSN:     binary.LittleEndian.Uint64(header[5:]),
		Payload: payload,
	}
	return rec, headerSize + int64(len(body)), nil
}

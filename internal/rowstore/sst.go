package rowstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// ErrCorruptSST is returned when a checkpoint file fails validation.
var ErrCorruptSST = errors.New("rowstore: corrupt sst")

const (
	sstMagic     = "VRSST1"
	sstBlockSize = 64 << 10
)

// SSTName returns the checkpoint file name of a table.
func SSTName(tableID uint32) string {
	return fmt.Sprintf("%d.sst", tableID)
}

// EncodeSST serializes the table:
//
//	[magic][u32 table_id][u8 compression][u64 last_row_id][u64 rows]
//	[block]* [u64 0]                  blocks of [u64 row_id][u32 len][row]
//	[u32 len][roaring64 tombstones]
//	[u32 crc32]
func (t *Table) EncodeSST(c Compression) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]byte, 0, 64+t.bytes)
	out = append(out, sstMagic...)
	out = binary.LittleEndian.AppendUint32(out, t.id)
	out = append(out, byte(c))
	out = binary.LittleEndian.AppendUint64(out, t.nextRowID.Load())
	out = binary.LittleEndian.AppendUint64(out, uint64(len(t.rows)))

	ids := make([]uint64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var err error
	block := make([]byte, 0, sstBlockSize)
	for _, id := range ids {
		row := t.rows[id]
		block = binary.LittleEndian.AppendUint64(block, id)
		block = binary.LittleEndian.AppendUint32(block, uint32(len(row)))
		block = append(block, row...)
		if len(block) >= sstBlockSize {
			if out, err = appendBlock(out, block, c); err != nil {
				return nil, err
			}
			block = block[:0]
		}
	}
	if len(block) > 0 {
		if out, err = appendBlock(out, block, c); err != nil {
			return nil, err
		}
	}
	out = binary.LittleEndian.AppendUint64(out, 0)

	tomb, err := t.deleted.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(tomb)))
	out = append(out, tomb...)

	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// DecodeSST rebuilds a table from EncodeSST output.
func DecodeSST(data []byte, pkCol int) (*Table, error) {
	const headerSize = len(sstMagic) + 4 + 1 + 8 + 8
	if len(data) < headerSize+8+4+4 || !bytes.Equal(data[:len(sstMagic)], []byte(sstMagic)) {
		return nil, ErrCorruptSST
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSST)
	}

	p := body[len(sstMagic):]
	id := binary.LittleEndian.Uint32(p)
	c := Compression(p[4])
	last := binary.LittleEndian.Uint64(p[5:])
	n := binary.LittleEndian.Uint64(p[13:])
	p = p[21:]

	t := NewTable(id, pkCol)
	for {
		if len(p) >= 8 && binary.LittleEndian.Uint64(p) == 0 {
			p = p[8:]
			break
		}
		block, used, err := readBlock(p, c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSST, err)
		}
		p = p[used:]
		for len(block) > 0 {
			if len(block) < 12 {
				return nil, ErrCorruptSST
			}
			rowID := binary.LittleEndian.Uint64(block)
			size := int(binary.LittleEndian.Uint32(block[8:]))
			if len(block) < 12+size {
				return nil, ErrCorruptSST
			}
			row := Encoded(bytes.Clone(block[12 : 12+size]))
			block = block[12+size:]

			t.rows[rowID] = row
			t.bytes += int64(len(row))
			if key := t.encodedKey(row); key != "" {
				t.pk[key] = rowID
			}
		}
	}
	if uint64(len(t.rows)) != n {
		return nil, fmt.Errorf("%w: expected %d rows, found %d", ErrCorruptSST, n, len(t.rows))
	}

	if len(p) < 4 {
		return nil, ErrCorruptSST
	}
	size := int(binary.LittleEndian.Uint32(p))
	if len(p) != 4+size {
		return nil, ErrCorruptSST
	}
	tomb := roaring64.New()
	if err := tomb.UnmarshalBinary(p[4:]); err != nil {
		return nil, fmt.Errorf("%w: tombstones: %v", ErrCorruptSST, err)
	}
	t.deleted = tomb
	t.nextRowID.Store(last)
	return t, nil
}

package rowstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
)

func sampleRow(id int64) catalog.Row {
	return catalog.Row{
		id,
		fmt.Sprintf("body-%d", id),
		float64(id) / 2,
		id%2 == 0,
		time.Unix(1_700_000_000+id, 0).UTC(),
		json.RawMessage(`{"n":1}`),
		[]float32{float32(id), 0, 1, -1},
		nil,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	row := sampleRow(7)
	enc, err := EncodeRow(nil, row)
	require.NoError(t, err)

	got, err := Encoded(enc).Decode()
	require.NoError(t, err)
	assert.Equal(t, row, got)

	partial, err := Encoded(enc).DecodeColumns([]int{0, 6})
	require.NoError(t, err)
	assert.Equal(t, int64(7), partial[0])
	assert.Equal(t, []float32{7, 0, 1, -1}, partial[6])
	assert.Nil(t, partial[1])

	v, err := Encoded(enc).Column(1)
	require.NoError(t, err)
	assert.Equal(t, "body-7", v)
}

func TestCodecRejectsGarbage(t *testing.T) {
	enc, err := EncodeRow(nil, sampleRow(1))
	require.NoError(t, err)

	_, err = Encoded(enc[:len(enc)-3]).Decode()
	assert.ErrorIs(t, err, ErrCorruptRow)

	_, err = Encoded{0x01}.Decode()
	assert.ErrorIs(t, err, ErrCorruptRow)

	_, err = EncodeRow(nil, catalog.Row{struct{}{}})
	assert.Error(t, err)
}

func TestTablePutGetDelete(t *testing.T) {
	tbl := NewTable(1, 0)

	id := tbl.AssignRowID()
	assert.Equal(t, uint64(1), id)
	require.NoError(t, tbl.Put(id, sampleRow(10)))

	got, ok := tbl.Get(id)
	require.True(t, ok)
	row, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, sampleRow(10), row)

	rid, ok := tbl.Lookup(int64(10))
	require.True(t, ok)
	assert.Equal(t, id, rid)

	other := tbl.AssignRowID()
	err = tbl.Put(other, sampleRow(10))
	assert.ErrorIs(t, err, errs.DuplicateID)

	assert.True(t, tbl.Delete(id))
	assert.False(t, tbl.Delete(id))
	assert.True(t, tbl.IsDeleted(id))
	_, ok = tbl.Lookup(int64(10))
	assert.False(t, ok)

	require.NoError(t, tbl.Put(other, sampleRow(10)), "key is free after delete")

	err = tbl.Put(id, sampleRow(11))
	assert.ErrorIs(t, err, errs.Internal, "deleted row-ids are never reused")

	assert.Greater(t, tbl.AssignRowID(), other)
}

func TestTablePutReplacesKey(t *testing.T) {
	tbl := NewTable(1, 0)
	id := tbl.AssignRowID()
	require.NoError(t, tbl.Put(id, sampleRow(1)))
	require.NoError(t, tbl.Put(id, sampleRow(2)))

	_, ok := tbl.Lookup(int64(1))
	assert.False(t, ok)
	rid, ok := tbl.Lookup(int64(2))
	require.True(t, ok)
	assert.Equal(t, id, rid)
	assert.Equal(t, 1, tbl.Len())
}

func TestTableWithoutPrimaryKey(t *testing.T) {
	tbl := NewTable(3, -1)
	for range 3 {
		require.NoError(t, tbl.Put(tbl.AssignRowID(), catalog.Row{"same"}))
	}
	assert.Equal(t, 3, tbl.Len())
	_, ok := tbl.Lookup("same")
	assert.False(t, ok)
}

func TestScanSnapshotAndRange(t *testing.T) {
	tbl := NewTable(1, 0)
	for i := range int64(10) {
		require.NoError(t, tbl.Put(tbl.AssignRowID(), sampleRow(i)))
	}

	var seen []uint64
	for id := range tbl.Scan(Range{}) {
		seen = append(seen, id)
		if id == 1 {
			require.NoError(t, tbl.Put(tbl.AssignRowID(), sampleRow(100)))
		}
	}
	assert.Len(t, seen, 10, "rows written during a scan are not observed")
	assert.IsIncreasing(t, seen)

	seen = seen[:0]
	for id := range tbl.Scan(Range{From: 3, To: 6}) {
		seen = append(seen, id)
	}
	assert.Equal(t, []uint64{3, 4, 5}, seen)

	seen = seen[:0]
	for id := range tbl.Scan(Range{}) {
		seen = append(seen, id)
		if len(seen) == 2 {
			break
		}
	}
	assert.Len(t, seen, 2)
}

func TestConcurrentWriters(t *testing.T) {
	tbl := NewTable(1, 0)
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				pk := int64(w*1000 + i)
				assert.NoError(t, tbl.Put(tbl.AssignRowID(), catalog.Row{pk}))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2000, tbl.Len())
	assert.Equal(t, uint64(2000), tbl.LastRowID())
}

func TestSSTRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			tbl := NewTable(9, 0)
			for i := range int64(3000) {
				require.NoError(t, tbl.Put(tbl.AssignRowID(), sampleRow(i)))
			}
			for id := uint64(100); id < 200; id++ {
				require.True(t, tbl.Delete(id))
			}

			data, err := tbl.EncodeSST(c)
			require.NoError(t, err)

			loaded, err := DecodeSST(data, 0)
			require.NoError(t, err)

			assert.Equal(t, uint32(9), loaded.ID())
			assert.Equal(t, tbl.Stats(), loaded.Stats())
			assert.True(t, loaded.IsDeleted(150))

			for id, want := range tbl.Scan(Range{}) {
				got, ok := loaded.Get(id)
				require.True(t, ok)
				assert.Equal(t, want, got)
			}
			rid, ok := loaded.Lookup(int64(2999))
			require.True(t, ok)
			assert.Equal(t, uint64(3000), rid)
			assert.Equal(t, uint64(3001), loaded.AssignRowID())
		})
	}
}

func TestSSTCorruption(t *testing.T) {
	tbl := NewTable(1, 0)
	require.NoError(t, tbl.Put(tbl.AssignRowID(), sampleRow(1)))
	data, err := tbl.EncodeSST(CompressionLZ4)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0xff
	_, err = DecodeSST(flipped, 0)
	assert.ErrorIs(t, err, ErrCorruptSST)

	_, err = DecodeSST(data[:10], 0)
	assert.ErrorIs(t, err, ErrCorruptSST)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("snappy")
	assert.Error(t, err)
}

package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/hupe1980/vectra/distance"
)

// Snapshot layout, little endian:
//
//	magic "HNSW1" | u32 d | u8 metric | u16 M | u32 efC | u64 n_nodes
//	node*: u64 row_id | u8 level | u8 tombstone | (u32 count, u64 row_id*) per layer 0..level | f32 vector[d]
//	u8 has_entry | u64 entry_row_id | u32 ef | u32 crc32 of everything before it
//
// Orphan slots are not written and links into them are dropped.
const snapshotMagic = "HNSW1"

// Persist writes a consistent snapshot of the index to w. Writers are blocked
// for the duration; searches are not.
func (h *Index) Persist(w io.Writer) error {
	h.gate.Lock()
	defer h.gate.Unlock()

	g := h.current.Load()
	bw := bufio.NewWriter(w)
	crc := crc32.NewIEEE()
	enc := &encoder{w: io.MultiWriter(bw, crc)}

	var order []uint32
	for slot := range g.nodes.Len() {
		if n := g.nodes.Get(slot); n != nil && g.owns(slot, n) {
			order = append(order, slot)
		}
	}

	enc.bytes([]byte(snapshotMagic))
	enc.u32(uint32(h.opts.Dimension))
	enc.u8(uint8(h.opts.Metric))
	enc.u16(uint16(h.opts.M))
	enc.u32(uint32(h.opts.EFConstruction))
	enc.u64(uint64(len(order)))

	for _, slot := range order {
		n := g.nodes.Get(slot)
		enc.u64(n.rowID)
		enc.u8(uint8(n.level))
		if n.deleted.Load() {
			enc.u8(1)
		} else {
			enc.u8(0)
		}
		n.mu.RLock()
		for layer := 0; layer <= n.level; layer++ {
			var refs []uint64
			for _, f := range n.friends[layer] {
				if fn := g.nodes.Get(f); g.owns(f, fn) {
					refs = append(refs, fn.rowID)
				}
			}
			enc.u32(uint32(len(refs)))
			for _, r := range refs {
				enc.u64(r)
			}
		}
		n.mu.RUnlock()
		for _, x := range n.vector {
			enc.u32(math.Float32bits(x))
		}
	}

	g.structMu.RLock()
	if g.hasEntry {
		enc.u8(1)
		enc.u64(g.nodes.Get(g.entry).rowID)
	} else {
		enc.u8(0)
		enc.u64(0)
	}
	g.structMu.RUnlock()
	enc.u32(uint32(h.opts.EF))
	if enc.err != nil {
		return enc.err
	}

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	if _, err := bw.Write(sum[:]); err != nil {
		return err
	}
	return bw.Flush()
}

// Load reads a snapshot written by Persist. optFns may override options that
// are not part of the snapshot, such as Seed.
func Load(r io.Reader, optFns ...func(o *Options)) (*Index, error) {
	br := bufio.NewReader(r)
	crc := crc32.NewIEEE()
	dec := &decoder{r: io.TeeReader(br, crc)}

	magic := dec.bytes(len(snapshotMagic))
	if dec.err == nil && string(magic) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic)
	}
	dim := int(dec.u32())
	metric := distance.Metric(dec.u8())
	m := int(dec.u16())
	efc := int(dec.u32())
	count := dec.u64()
	if dec.err != nil {
		return nil, dec.fail()
	}

	h, err := New(append([]func(*Options){func(o *Options) {
		o.Dimension = dim
		o.Metric = metric
		o.M = m
		o.EFConstruction = efc
	}}, optFns...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	type pending struct {
		n    *node
		refs [][]uint64
	}
	g := newGraph()
	nodes := make([]pending, 0, min(count, 1<<20))
	for range count {
		rowID := dec.u64()
		level := int(dec.u8())
		deleted := dec.u8() == 1
		if dec.err != nil {
			return nil, dec.fail()
		}
		refs := make([][]uint64, level+1)
		for layer := range refs {
			c := dec.u32()
			if dec.err != nil {
				return nil, dec.fail()
			}
			if int(c) > mmax0Multiplier*h.opts.M {
				return nil, fmt.Errorf("%w: row %d layer %d has %d links", ErrCorrupt, rowID, layer, c)
			}
			refs[layer] = make([]uint64, c)
			for i := range refs[layer] {
				refs[layer][i] = dec.u64()
			}
		}
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = math.Float32frombits(dec.u32())
		}
		if dec.err != nil {
			return nil, dec.fail()
		}
		n := newNode(rowID, level, vec)
		n.deleted.Store(deleted)
		if _, dup := g.ids[rowID]; dup {
			return nil, fmt.Errorf("%w: duplicate row %d", ErrCorrupt, rowID)
		}
		slot := g.nodes.Append(n)
		g.ids[rowID] = slot
		if deleted {
			g.tombstones.Add(slot)
		} else {
			g.live.Add(1)
		}
		nodes = append(nodes, pending{n: n, refs: refs})
	}

	for _, p := range nodes {
		for layer, refs := range p.refs {
			friends := make([]uint32, len(refs))
			for i, ref := range refs {
				slot, ok := g.ids[ref]
				if !ok {
					return nil, fmt.Errorf("%w: row %d links to unknown row %d", ErrCorrupt, p.n.rowID, ref)
				}
				friends[i] = slot
			}
			p.n.friends[layer] = friends
		}
	}

	hasEntry := dec.u8() == 1
	entry := dec.u64()
	ef := int(dec.u32())
	if dec.err != nil {
		return nil, dec.fail()
	}
	want := crc.Sum32()
	var sum [4]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return nil, fmt.Errorf("%w: missing checksum: %v", ErrCorrupt, err)
	}
	if got := binary.LittleEndian.Uint32(sum[:]); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if hasEntry {
		slot, ok := g.ids[entry]
		if !ok {
			return nil, fmt.Errorf("%w: entry point %d missing", ErrCorrupt, entry)
		}
		g.entry, g.top, g.hasEntry = slot, g.nodes.Get(slot).level, true
	}
	if ef > 0 {
		h.opts.EF = ef
	}
	h.current.Store(g)
	return h, nil
}

type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (e *encoder) bytes(p []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(p)
	}
}

func (e *encoder) u8(v uint8) {
	e.buf[0] = v
	e.bytes(e.buf[:1])
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.bytes(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.bytes(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.bytes(e.buf[:8])
}

type decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (d *decoder) fail() error {
	return fmt.Errorf("%w: %v", ErrCorrupt, d.err)
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	_, d.err = io.ReadFull(d.r, d.buf[:n])
	return d.buf[:n]
}

func (d *decoder) bytes(n int) []byte {
	p := make([]byte, n)
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, p)
	}
	return p
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

// Package wal implements a segmented write-ahead log with group commit.
//
// Appends copy the encoded record into an in-memory buffer under a single
// mutex and return (Async) or wait for the covering fsync (Sync). A background
// syncer swaps the buffer out and writes and fsyncs it without holding the
// mutex, so concurrent writers share one fsync.
//
// Segments live in one directory as segment-<seq>.log. Rotate starts a new
// segment at a checkpoint boundary; RemoveBefore drops the ones the checkpoint
// covers.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/vectra/internal/fs"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync returns once the record is buffered; data reaches the OS shortly after.
	DurabilityAsync Durability = iota
	// DurabilitySync returns once the record is fsync'd.
	DurabilitySync
)

// ErrCorrupt is returned when a sealed segment fails to decode.
var ErrCorrupt = errors.New("wal: corrupt segment")

// Options configures a WAL.
type Options struct {
	Durability Durability

	// MinLSN is the LSN already covered by a checkpoint. New records get
	// LSNs above it even when no segment survives.
	MinLSN uint64
}

// WAL manages the segment files of the write-ahead log.
type WAL struct {
	fs   fs.FileSystem
	dir  string
	opts Options

	mu       sync.Mutex
	syncCond *sync.Cond // Signals the syncer that there is work
	doneCond *sync.Cond // Signals waiters that a flush completed

	file     fs.File
	seq      uint64
	segBytes int64 // bytes written to the current segment
	oldBytes int64 // bytes in earlier segments still on disk

	pending    []byte
	pendingLSN uint64
	spare      []byte
	flushing   bool
	syncWanted bool

	nextLSN    uint64
	writtenLSN uint64 // handed to the OS
	durableLSN uint64 // fsync'd

	closed  bool
	lastErr error // Terminal error encountered by background syncer
	wg      sync.WaitGroup
}

// SegmentName returns the file name of segment seq.
func SegmentName(seq uint64) string {
	return fmt.Sprintf("segment-%d.log", seq)
}

func parseSegmentName(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(name, "segment-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".log")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	return seq, err == nil
}

func listSegments(fsys fs.FileSystem, dir string) ([]uint64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		if seq, ok := parseSegmentName(e.Name()); ok && !e.IsDir() {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	return seqs, nil
}

// scanSegment decodes a segment and returns the offset after the last good
// record and the highest LSN seen. err is the decode error that stopped it.
func scanSegment(fsys fs.FileSystem, path string, fn func(*Record) error) (int64, uint64, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64<<10)
	var (
		valid   int64
		lastLSN uint64
	)
	for {
		rec, n, err := Decode(r)
		if errors.Is(err, io.EOF) {
			return valid, lastLSN, nil
		}
		if err != nil {
			return valid, lastLSN, err
		}
		valid += n
		lastLSN = max(lastLSN, rec.LSN)
		if fn != nil {
			if err := fn(rec); err != nil {
				return valid, lastLSN, &callbackError{err}
			}
		}
	}
}

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// Open opens the log in dir, truncating a torn tail off the newest segment.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	seqs, err := listSegments(fsys, dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{fs: fsys, dir: dir, opts: opts}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	var lastLSN uint64
	for i, seq := range seqs {
		path := filepath.Join(dir, SegmentName(seq))
		valid, lsn, err := scanSegment(fsys, path, nil)
		lastLSN = max(lastLSN, lsn)
		last := i == len(seqs)-1
		switch {
		case err == nil && !last:
			w.oldBytes += valid
		case err == nil:
			w.segBytes = valid
		case last && !errors.Is(err, os.ErrNotExist):
			// Torn tail from a crash mid-write.
			if err := truncateSegment(fsys, path, valid); err != nil {
				return nil, err
			}
			w.segBytes = valid
		default:
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, SegmentName(seq), err)
		}
	}

	w.seq = 1
	if len(seqs) > 0 {
		w.seq = seqs[len(seqs)-1]
	}
	f, err := fsys.OpenFile(filepath.Join(dir, SegmentName(w.seq)), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.file = f

	w.nextLSN = max(lastLSN, opts.MinLSN) + 1
	w.writtenLSN = w.nextLSN - 1
	w.durableLSN = w.nextLSN - 1

	w.wg.Add(1)
	go w.runSyncer()
	return w, nil
}

func truncateSegment(fsys fs.FileSystem, path string, size int64) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for len(w.pending) == 0 && !w.syncWanted && !w.closed {
			w.syncCond.Wait()
		}
		if len(w.pending) == 0 && !w.syncWanted && w.closed {
			return
		}

		batch := w.pending
		lsn := w.writtenLSN
		if len(batch) > 0 {
			lsn = w.pendingLSN
		}
		w.pending = w.spare[:0]
		doSync := w.opts.Durability == DurabilitySync || w.syncWanted
		w.syncWanted = false
		w.flushing = true
		f := w.file

		// Unlock to write and sync
		w.mu.Unlock()
		var err error
		if len(batch) > 0 {
			_, err = f.Write(batch)
		}
		if err == nil && doSync {
			err = f.Sync()
		}
		w.mu.Lock()

		w.flushing = false
		w.spare = batch[:0]
		if err != nil {
			w.lastErr = fmt.Errorf("wal write failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		w.segBytes += int64(len(batch))
		w.writtenLSN = lsn
		if doSync {
			w.durableLSN = lsn
		}
		w.doneCond.Broadcast()
	}
}

// Append assigns the next LSN to a record and logs it. The append order is
// the serialization order of the engine. In Sync mode it returns once the
// record is durable.
func (w *WAL) Append(typ RecordType, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}
	rec := Record{LSN: w.nextLSN, Type: typ, Payload: payload}
	if len(payload) > maxPayload {
		return 0, ErrRecordTooLarge
	}
	w.nextLSN++
	w.pending = rec.AppendTo(w.pending)
	w.pendingLSN = rec.LSN
	w.syncCond.Signal()

	if w.opts.Durability == DurabilityAsync {
		return rec.LSN, nil
	}
	for w.durableLSN < rec.LSN && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.durableLSN < rec.LSN {
		return 0, w.lastErr
	}
	return rec.LSN, nil
}

// Sync blocks until every appended record is fsync'd.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	target := w.nextLSN - 1
	if w.durableLSN >= target && !w.flushing && len(w.pending) == 0 {
		return w.lastErr
	}
	w.syncWanted = true
	w.syncCond.Signal()
	for (w.durableLSN < target || w.flushing) && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Rotate fsyncs the current segment and starts a new one. It returns the new
// segment sequence and the last LSN stored in earlier segments.
func (w *WAL) Rotate() (uint64, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, 0, os.ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return 0, 0, err
	}
	// Appends that raced in after the sync land in the new segment.
	last := w.durableLSN

	next := w.seq + 1
	f, err := w.fs.OpenFile(filepath.Join(w.dir, SegmentName(next)), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, 0, err
	}
	if err := w.file.Close(); err != nil {
		f.Close()
		return 0, 0, err
	}
	w.file = f
	w.seq = next
	w.oldBytes += w.segBytes
	w.segBytes = 0
	return next, last, nil
}

// RemoveBefore deletes segments older than seq.
func (w *WAL) RemoveBefore(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seqs, err := listSegments(w.fs, w.dir)
	if err != nil {
		return err
	}
	var remaining int64
	for _, s := range seqs {
		if s >= w.seq {
			continue
		}
		path := filepath.Join(w.dir, SegmentName(s))
		if s < seq {
			if err := w.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		if st, err := w.fs.Stat(path); err == nil {
			remaining += st.Size()
		}
	}
	w.oldBytes = remaining
	return nil
}

// Replay calls fn for every record with an LSN above after, in log order.
// It must run before concurrent appends start.
func (w *WAL) Replay(after uint64, fn func(*Record) error) error {
	seqs, err := listSegments(w.fs, w.dir)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		_, _, err := scanSegment(w.fs, filepath.Join(w.dir, SegmentName(seq)), func(rec *Record) error {
			if rec.LSN <= after {
				return nil
			}
			return fn(rec)
		})
		if err != nil {
			var cb *callbackError
			if errors.As(err, &cb) {
				return cb.err
			}
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, SegmentName(seq), err)
		}
	}
	return nil
}

// Size returns the bytes logged since the oldest retained segment, including
// buffered records.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.oldBytes + w.segBytes + int64(len(w.pending))
}

// Segment returns the sequence of the active segment.
func (w *WAL) Segment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// LastLSN returns the highest LSN handed out.
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN - 1
}

// DurableLSN returns the highest LSN known to be fsync'd.
func (w *WAL) DurableLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableLSN
}

// Close flushes and fsyncs outstanding records and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	w.closed = true
	w.syncWanted = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	err := w.lastErr
	w.mu.Unlock()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

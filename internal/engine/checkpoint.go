package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vectra/internal/catalog"
	"github.com/hupe1980/vectra/internal/errs"
	"github.com/hupe1980/vectra/internal/fs"
	"github.com/hupe1980/vectra/internal/rowstore"
)

// CheckpointFile is the name of the checkpoint pointer.
const CheckpointFile = "CHECKPOINT"

const checkpointVersion = 1

// checkpointPointer is the content of CHECKPOINT. It is replaced atomically
// once every file it names is durable.
type checkpointPointer struct {
	Version     int               `toml:"version"`
	LSN         uint64            `toml:"lsn"`
	WALSegment  uint64            `toml:"wal_segment"`
	CreatedAt   time.Time         `toml:"created_at"`
	Compression string            `toml:"compression"`
	Tables      []checkpointTable `toml:"tables"`
}

type checkpointTable struct {
	ID      uint32   `toml:"id"`
	Name    string   `toml:"name"`
	Rows    string   `toml:"rows"`
	Indexes []string `toml:"indexes,omitempty"`
}

type snapshotFile struct {
	path string
	data []byte
}

type snapshot struct {
	lsn     uint64
	segment uint64
	catalog []byte
	files   []snapshotFile
	pointer checkpointPointer
}

// Checkpoint writes row and index snapshots and truncates the WAL. It
// returns the LSN the checkpoint covers.
func (e *Engine) Checkpoint(ctx context.Context) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return 0, errs.Wrap(errs.KindTimeout, err, "checkpoint")
	}
	defer e.rc.ReleaseBackground()

	if err := e.checkpoint(ctx); err != nil {
		return 0, translateError(err)
	}
	return e.checkpointLSN.Load(), nil
}

func (e *Engine) checkpoint(ctx context.Context) (err error) {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	if e.wal.LastLSN() == e.checkpointLSN.Load() {
		return nil
	}

	start := time.Now()
	var (
		lsn     uint64
		written atomic.Int64
	)
	defer func() {
		e.metrics.RecordCheckpoint(time.Since(start), written.Load(), err)
		e.logger.LogCheckpoint(ctx, lsn, time.Since(start), err)
	}()

	snap, err := e.snapshot()
	if err != nil {
		return err
	}
	lsn = snap.lsn

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range snap.files {
		g.Go(func() error {
			if err := e.rc.AcquireIO(gctx, len(f.data)); err != nil {
				return err
			}
			if err := fs.WriteFileAtomic(e.fs, f.path, f.data); err != nil {
				return err
			}
			written.Add(int64(len(f.data)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := fs.WriteFileAtomic(e.fs, filepath.Join(e.dir, catalog.FileName), snap.catalog); err != nil {
		return err
	}
	pointer, err := toml.Marshal(snap.pointer)
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(e.fs, filepath.Join(e.dir, CheckpointFile), pointer); err != nil {
		return err
	}
	written.Add(int64(len(snap.catalog) + len(pointer)))
	e.checkpointLSN.Store(snap.lsn)

	if err := e.wal.RemoveBefore(snap.segment); err != nil {
		return err
	}
	return e.removeStale(snap.files)
}

// snapshot captures every table and index at one LSN and starts a new WAL
// segment. Writers wait while it runs.
func (e *Engine) snapshot() (*snapshot, error) {
	e.barrier.Lock()
	defer e.barrier.Unlock()

	snap := &snapshot{}
	snap.pointer = checkpointPointer{
		Version:     checkpointVersion,
		CreatedAt:   time.Now().UTC(),
		Compression: e.cfg.Compression.String(),
	}
	for _, t := range e.cat.Tables() {
		ts, err := e.state(t.ID)
		if err != nil {
			return nil, err
		}
		data, err := ts.rows.EncodeSST(e.cfg.Compression)
		if err != nil {
			return nil, err
		}
		entry := checkpointTable{ID: t.ID, Name: t.Name, Rows: rowstore.SSTName(t.ID)}
		snap.files = append(snap.files, snapshotFile{path: filepath.Join(e.dir, rowsDir, entry.Rows), data: data})

		for _, bi := range ts.indexList() {
			var buf bytes.Buffer
			if err := bi.index.Persist(&buf); err != nil {
				return nil, err
			}
			name := indexFileName(t.ID, bi.def.Column)
			entry.Indexes = append(entry.Indexes, name)
			snap.files = append(snap.files, snapshotFile{path: filepath.Join(e.dir, indexesDir, name), data: buf.Bytes()})
		}
		snap.pointer.Tables = append(snap.pointer.Tables, entry)
	}

	cat, err := e.cat.Encode()
	if err != nil {
		return nil, err
	}
	snap.catalog = cat

	seg, last, err := e.wal.Rotate()
	if err != nil {
		return nil, err
	}
	snap.lsn = last
	snap.segment = seg
	snap.pointer.LSN = last
	snap.pointer.WALSegment = seg
	return snap, nil
}

// removeStale deletes snapshot files of dropped tables and indexes.
func (e *Engine) removeStale(keep []snapshotFile) error {
	live := make(map[string]bool, len(keep))
	for _, f := range keep {
		live[f.path] = true
	}
	var errList []error
	for _, dir := range []string{rowsDir, indexesDir} {
		entries, err := e.fs.ReadDir(filepath.Join(e.dir, dir))
		if err != nil {
			errList = append(errList, err)
			continue
		}
		for _, ent := range entries {
			path := filepath.Join(e.dir, dir, ent.Name())
			if ent.IsDir() || live[path] || strings.HasSuffix(ent.Name(), ".tmp") {
				continue
			}
			if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

// readCheckpoint returns the current pointer, or a zero pointer when the
// directory holds no checkpoint yet.
func (e *Engine) readCheckpoint() (checkpointPointer, error) {
	data, err := fs.ReadFileRetry(e.fs, filepath.Join(e.dir, CheckpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return checkpointPointer{Version: checkpointVersion}, nil
	}
	if err != nil {
		return checkpointPointer{}, err
	}
	var p checkpointPointer
	if err := toml.Unmarshal(data, &p); err != nil {
		return checkpointPointer{}, errs.Wrap(errs.KindInternal, err, "decode %s", CheckpointFile)
	}
	if p.Version != checkpointVersion {
		return checkpointPointer{}, errs.New(errs.KindInternal, "unsupported checkpoint version %d", p.Version)
	}
	return p, nil
}

// maybeCheckpoint starts a background checkpoint once the WAL outgrows the
// configured threshold.
func (e *Engine) maybeCheckpoint() {
	limit := e.cfg.CheckpointWALBytes
	if limit <= 0 || e.wal.Size() < limit || !e.ckptRunning.CompareAndSwap(false, true) {
		return
	}
	if !e.goBackground(func() {
		defer e.ckptRunning.Store(false)
		if !e.rc.TryAcquireBackground() {
			return
		}
		defer e.rc.ReleaseBackground()
		if err := e.checkpoint(e.ctx); err != nil {
			e.logger.Error("background checkpoint failed", "error", err)
		}
	}) {
		e.ckptRunning.Store(false)
	}
}

// goBackground runs fn on a tracked goroutine unless the engine is closing.
func (e *Engine) goBackground(fn func()) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

package embed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	badger "github.com/dgraph-io/badger/v4"
)

// persistentCache is the on-disk tier of the embedding cache.
type persistentCache struct {
	db *badger.DB
}

func openPersistent(dir string, logger *slog.Logger) (*persistentCache, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(badgerLogger{logger}))
	if err != nil {
		return nil, err
	}
	return &persistentCache{db: db}, nil
}

func (p *persistentCache) get(k key) ([]float32, bool, error) {
	var vec []float32
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k.bytes())
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec = decodeVector(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vec, vec != nil, nil
}

func (p *persistentCache) set(k key, vec []float32) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k.bytes(), encodeVector(vec))
	})
}

func (p *persistentCache) close() error {
	return p.db.Close()
}

func (k key) bytes() []byte {
	b := make([]byte, 0, len(k.model)+1+len(k.text))
	b = append(b, k.model...)
	b = append(b, 0)
	return append(b, k.text...)
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// badgerLogger routes badger warnings and errors to slog and drops the rest.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...any) {
	if b.l != nil {
		b.l.Error("badger: "+fmt.Sprintf(f, v...), "component", "embed")
	}
}

func (b badgerLogger) Warningf(f string, v ...any) {
	if b.l != nil {
		b.l.Warn("badger: "+fmt.Sprintf(f, v...), "component", "embed")
	}
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}

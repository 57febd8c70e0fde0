// Package embed provides the embedding hook: a registry of text-to-vector
// models behind a two-tier cache.
//
// The engine never interprets produced vectors. Any model failure surfaces
// as an EmbeddingUnavailable error.
package embed

import (
	"context"
	"math"
)

// DefaultModelName is the model used when ai_embedding is called with a
// single argument.
const DefaultModelName = "text-embedding-ada-002"

// DefaultDimension is the output size of the built-in hash model.
const DefaultDimension = 384

// Model turns text into a fixed-dimension vector. Implementations must be
// safe for concurrent use and deterministic for a given text.
type Model interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func is an embedding function.
type Func func(ctx context.Context, text string) ([]float32, error)

type funcModel struct {
	name string
	dim  int
	fn   Func
}

// NewFuncModel adapts fn into a Model.
func NewFuncModel(name string, dim int, fn Func) Model {
	return &funcModel{name: name, dim: dim, fn: fn}
}

func (m *funcModel) Name() string   { return m.name }
func (m *funcModel) Dimension() int { return m.dim }
func (m *funcModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.fn(ctx, text)
}

// HashModel is a deterministic offline model: byte i of the text contributes
// (b+i)/255 to component i mod dim, and the result is L2-normalized.
type HashModel struct {
	name string
	dim  int
}

// NewHashModel creates a hash model.
func NewHashModel(name string, dim int) *HashModel {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashModel{name: name, dim: dim}
}

func (m *HashModel) Name() string   { return m.name }
func (m *HashModel) Dimension() int { return m.dim }

func (m *HashModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, m.dim)
	for i := 0; i < len(text); i++ {
		v[i%m.dim] += (float32(text[i]) + float32(i)) / 255
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}

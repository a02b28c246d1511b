// Package embedder defines the embedding oracle boundary (spec §6):
// embed(text) -> vector(d), a pure function that may fail transiently.
// Model internals are an explicit Non-goal; this package only defines the
// contract and a deterministic stub implementation tests can depend on
// without a real model server.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/dovos/conversation-archive/internal/domain"
)

// Oracle computes a fixed-dimension vector for a piece of text.
type Oracle interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimension() int
}

// Deterministic is a stub Oracle suitable for tests and for environments
// without a real model server wired in: it hashes the input text into a
// fixed-dimension vector, so identical content always yields an identical
// vector without requiring network access or a model runtime.
type Deterministic struct {
	dimension int
	model     string
}

// NewDeterministic builds a stub oracle with the given output dimension.
func NewDeterministic(dimension int) *Deterministic {
	return &Deterministic{dimension: dimension, model: "deterministic-stub"}
}

// Embed returns a hash-derived vector; never errors.
func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dimension)
	seed := text
	for i := 0; i < d.dimension; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, i)))
		bits := binary.BigEndian.Uint32(sum[:4])
		vec[i] = float32(bits)/float32(^uint32(0))*2 - 1
	}
	return vec, nil
}

// Model identifies the embedding model for stored Embedding rows.
func (d *Deterministic) Model() string { return d.model }

// Dimension reports the vector width this oracle produces.
func (d *Deterministic) Dimension() int { return d.dimension }

// DefaultOracle builds the Deterministic stub at the archive-wide default
// width (spec §6, domain.DefaultEmbeddingDimension).
func DefaultOracle() Oracle {
	return NewDeterministic(domain.DefaultEmbeddingDimension)
}

package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministic_SameTextSameVector(t *testing.T) {
	o := NewDeterministic(16)
	v1, err := o.Embed(context.Background(), "hello world")
	assert.NoError(t, err)
	v2, err := o.Embed(context.Background(), "hello world")
	assert.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestDeterministic_DifferentTextDifferentVector(t *testing.T) {
	o := NewDeterministic(16)
	v1, _ := o.Embed(context.Background(), "hello")
	v2, _ := o.Embed(context.Background(), "goodbye")
	assert.NotEqual(t, v1, v2)
}

func TestDeterministic_DimensionAndRange(t *testing.T) {
	o := NewDeterministic(8)
	v, err := o.Embed(context.Background(), "x")
	assert.NoError(t, err)
	assert.Len(t, v, 8)
	assert.Equal(t, 8, o.Dimension())
	for _, f := range v {
		assert.GreaterOrEqual(t, f, float32(-1))
		assert.LessOrEqual(t, f, float32(1))
	}
}

func TestDefaultOracle_MatchesDomainDimension(t *testing.T) {
	o := DefaultOracle()
	assert.Equal(t, 384, o.Dimension())
	assert.Equal(t, "deterministic-stub", o.Model())
}

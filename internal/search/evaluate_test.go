package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdealDCG_CapsAtK(t *testing.T) {
	assert.InDelta(t, 1.0, idealDCG(1, 5), 0.001)
	assert.InDelta(t, 1+1/1.58496, idealDCG(5, 2), 0.01) // only top 2 count
}

func TestIdealDCG_ZeroRelevant(t *testing.T) {
	assert.Equal(t, 0.0, idealDCG(0, 5))
}

package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFtsNorm_ClampsAndCompresses(t *testing.T) {
	assert.Equal(t, 0.0, ftsNorm(0))
	assert.InDelta(t, 0.585, ftsNorm(0.5), 0.01)
	assert.Equal(t, 1.0, ftsNorm(1000)) // clamped at 1
}

func TestVecNorm_ClampsNegative(t *testing.T) {
	assert.Equal(t, 0.0, vecNorm(-0.2))
	assert.Equal(t, 0.42, vecNorm(0.42))
}

func TestApplyQualityCutoff_DropsAfterSteepFall(t *testing.T) {
	results := []Result{
		{Score: 1.0},
		{Score: 0.9},
		{Score: 0.1}, // steep drop relative to top score
		{Score: 0.05},
	}
	trimmed := applyQualityCutoff(results, 0.5)
	assert.Len(t, trimmed, 2)
}

func TestApplyQualityCutoff_KeepsGradualDecay(t *testing.T) {
	results := []Result{
		{Score: 1.0},
		{Score: 0.9},
		{Score: 0.8},
		{Score: 0.7},
	}
	trimmed := applyQualityCutoff(results, 0.5)
	assert.Len(t, trimmed, 4)
}

func TestExpandQuery_AddsOneSynonymPerRecognizedTerm(t *testing.T) {
	expanded := ExpandQuery("search message")
	assert.Equal(t, "search | find | message | text", expanded)
}

func TestExpandQuery_UnrecognizedQueryReturnedUnchanged(t *testing.T) {
	expanded := ExpandQuery("budget for the trip")
	assert.Equal(t, "budget for the trip", expanded)
}

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReal_ReturnsUTC(t *testing.T) {
	now := Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFrozen_NormalizesToUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	assert.NoError(t, err)
	local := time.Date(2026, 1, 2, 3, 4, 5, 0, loc)

	f := NewFrozen(local)
	assert.Equal(t, time.UTC, f.Now().Location())
	assert.True(t, f.Now().Equal(local))
}

func TestFrozen_Advance(t *testing.T) {
	f := NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f.Advance(90 * time.Minute)
	assert.Equal(t, time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC), f.Now())
}

func TestFrozen_Set(t *testing.T) {
	f := NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	target := time.Date(2030, 5, 5, 5, 5, 5, 0, time.UTC)
	f.Set(target)
	assert.Equal(t, target, f.Now())
}

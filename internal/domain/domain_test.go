package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageRole_IsValid(t *testing.T) {
	assert.True(t, RoleUser.IsValid())
	assert.True(t, RoleAssistant.IsValid())
	assert.True(t, RoleSystem.IsValid())
	assert.False(t, MessageRole("tool").IsValid())
	assert.False(t, MessageRole("").IsValid())
}

func TestMetadata_Sequence(t *testing.T) {
	assert.Equal(t, 0, Metadata(nil).Sequence())

	m := Metadata{"sequence": 3}
	assert.Equal(t, 3, m.Sequence())

	m = Metadata{"sequence": int64(7)}
	assert.Equal(t, 7, m.Sequence())

	m = Metadata{"sequence": float64(9)}
	assert.Equal(t, 9, m.Sequence())

	m = Metadata{"sequence": "nope"}
	assert.Equal(t, 0, m.Sequence())
}

func TestMetadata_SetSequence(t *testing.T) {
	m := Metadata{}
	m.SetSequence(42)
	assert.Equal(t, 42, m.Sequence())
}

func TestMessage_Key_StableAndSensitiveToContent(t *testing.T) {
	m1 := Message{Role: RoleUser, Content: "hello"}
	m2 := Message{Role: RoleUser, Content: "hello"}
	m3 := Message{Role: RoleAssistant, Content: "hello"}
	m4 := Message{Role: RoleUser, Content: "hello world"}

	assert.Equal(t, m1.Key(), m2.Key(), "identical role+content must produce the same key")
	assert.NotEqual(t, m1.Key(), m3.Key(), "key must be role-sensitive")
	assert.NotEqual(t, m1.Key(), m4.Key(), "key must be content-sensitive")
	assert.Len(t, m1.Key(), 16)
}

func TestEmbedding_IsCurrent(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)
	later := now.Add(time.Hour)

	assert.True(t, Embedding{UpdatedAt: now}.IsCurrent(now))
	assert.True(t, Embedding{UpdatedAt: later}.IsCurrent(now))
	assert.False(t, Embedding{UpdatedAt: earlier}.IsCurrent(now))
}

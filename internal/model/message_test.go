package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockIsStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	clock := NewClock(func() time.Time { return frozen })

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	require.True(t, second.After(first))
	require.True(t, third.After(second))
	require.NotEqual(t, ChatMessage{Timestamp: first}.DedupKey(), ChatMessage{Timestamp: second}.DedupKey())
}

func TestDedupKeyIgnoresLocation(t *testing.T) {
	seoul := time.FixedZone("KST", 9*60*60)
	at := time.Date(2024, 10, 1, 18, 0, 0, 123000000, seoul)

	a := ChatMessage{Timestamp: at}
	b := ChatMessage{Timestamp: at.UTC()}
	require.Equal(t, a.DedupKey(), b.DedupKey())
	require.Equal(t, "2024-10-01T09:00:00.123Z", a.DedupKey())
}

func TestBroadcastPayloadFieldNames(t *testing.T) {
	msg := ChatMessage{
		Role:        RoleUser,
		Content:     "my cat sneezes",
		SenderLabel: "mina",
		Timestamp:   time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user","content":"my cat sneezes","sender":"mina","timestamp":"2024-10-01T09:00:00Z"}`, string(raw))
}

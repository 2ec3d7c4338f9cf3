package menu

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CounselPipe/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingKeyRoundTrip(t *testing.T) {
	assert.Equal(t, "remaining:0", RemainingKey(0, false))
	assert.Equal(t, "remaining:59", RemainingKey(59, false))
	assert.Equal(t, "remaining:60+", RemainingKey(60, true))

	m, over, ok := ParseRemainingKey("remaining:12")
	require.True(t, ok)
	assert.Equal(t, 12, m)
	assert.False(t, over)

	_, over, ok = ParseRemainingKey("remaining:60+")
	require.True(t, ok)
	assert.True(t, over)

	for _, bad := range []string{"remaining:60", "remaining:-1", "remaining:x", "start"} {
		_, _, ok := ParseRemainingKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestTextMenuApply(t *testing.T) {
	svc := messaging.NewMockService()
	tm := NewTextMenu(svc)

	require.NoError(t, tm.Apply(context.Background(), "u1", KeyStart))
	key, ok := tm.Current("u1")
	require.True(t, ok)
	assert.Equal(t, KeyStart, key)

	d := svc.Deliveries()
	require.Len(t, d, 1)
	assert.Equal(t, "[Main menu]", d[0].Messages[0].Text)
	assert.Contains(t, d[0].Messages[0].Choices, "Start counseling (/start_chat)")

	require.NoError(t, tm.Apply(context.Background(), "u1", RemainingKey(7, false)))
	d = svc.Deliveries()
	assert.Equal(t, "[About 7 min left]", d[1].Messages[0].Text)
}

func TestTextMenuUnknownAndFailure(t *testing.T) {
	svc := messaging.NewMockService()
	tm := NewTextMenu(svc)
	assert.Error(t, tm.Apply(context.Background(), "u1", "nope"))

	svc.Err = errors.New("down")
	assert.Error(t, tm.Apply(context.Background(), "u1", KeySurvey))
	_, ok := tm.Current("u1")
	assert.False(t, ok, "failed apply must not be recorded")
}

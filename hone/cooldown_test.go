package hone

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hone-ai/hone/ci"
)

func TestCooldownTracker(t *testing.T) {
	ci.Parallel(t)

	tracker := NewCooldownTracker(50 * time.Millisecond)

	must.False(t, tracker.CoolingDown("openai", "gpt-4o-mini"))

	tracker.MarkFailed("openai", "gpt-4o-mini")
	must.True(t, tracker.CoolingDown("openai", "gpt-4o-mini"))
	must.Eq(t, 1, tracker.Len())

	// The mark is scoped to the exact pair.
	must.False(t, tracker.CoolingDown("openai", "gpt-4o"))
	must.False(t, tracker.CoolingDown("anthropic", "gpt-4o-mini"))

	time.Sleep(60 * time.Millisecond)
	must.False(t, tracker.CoolingDown("openai", "gpt-4o-mini"))
}

func TestCooldownTracker_Extends(t *testing.T) {
	ci.Parallel(t)

	tracker := NewCooldownTracker(100 * time.Millisecond)

	tracker.MarkFailed("openai", "gpt-4o-mini")
	time.Sleep(60 * time.Millisecond)

	// Re-marking restarts the clock.
	tracker.MarkFailed("openai", "gpt-4o-mini")
	time.Sleep(60 * time.Millisecond)
	must.True(t, tracker.CoolingDown("openai", "gpt-4o-mini"))
}

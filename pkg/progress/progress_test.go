package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t *Tracker) *time.Time {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return now }
	return &now
}

func TestLifecycle(t *testing.T) {
	tr := New()
	clock := fixedClock(tr)

	tr.Update("src/app.ts", "con")
	*clock = clock.Add(time.Second)
	tr.Update("src/app.ts", "const x")

	f, ok := tr.Get("src/app.ts")
	require.True(t, ok)
	assert.Equal(t, "const x", f.Content)
	assert.False(t, f.IsComplete)
	assert.Equal(t, *clock, f.LastUpdate)

	final := "const x = 1"
	tr.Complete("src/app.ts", &final)
	f, _ = tr.Get("src/app.ts")
	assert.True(t, f.IsComplete)
	assert.Equal(t, final, f.Content)

	tr.Update("src/app.ts", "again")
	f, _ = tr.Get("src/app.ts")
	assert.False(t, f.IsComplete, "a new write reopens the entry")
}

func TestCompleteAllKeepsContent(t *testing.T) {
	tr := New()
	tr.Update("a.ts", "partial a")
	tr.Update("b.ts", "partial b")
	tr.Complete("c.ts", nil)

	assert.Equal(t, []string{"a.ts", "b.ts"}, tr.InProgress())
	assert.Equal(t, 2, tr.CompleteAll())
	assert.Empty(t, tr.InProgress())
	assert.Equal(t, 0, tr.CompleteAll())

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "partial a", snap[0].Content, "last rendered state persists")
	assert.Equal(t, "c.ts", snap[2].Path)
}

func TestSubscribeAndReset(t *testing.T) {
	tr := New()
	ch := tr.Subscribe()

	tr.Update("a.ts", "x")
	got := <-ch
	assert.Equal(t, "a.ts", got.Path)

	tr.CompleteAll()
	got = <-ch
	assert.True(t, got.IsComplete)

	tr.Reset()
	_, ok := tr.Get("a.ts")
	assert.False(t, ok)

	tr.Unsubscribe(ch)
	tr.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

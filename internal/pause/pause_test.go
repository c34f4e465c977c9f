package pause

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModes(t *testing.T) {
	m, ok := ParseModes("CREATE,STORAGE")
	require.True(t, ok)
	assert.Equal(t, ModeCreate|ModeStorage, m)

	m, ok = ParseModes("all")
	require.True(t, ok)
	assert.Equal(t, ModeAll, m)

	_, ok = ParseModes("CREATE,NOPE")
	assert.False(t, ok)
	_, ok = ParseModes("")
	assert.False(t, ok)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "ALL", ModeAll.String())
	assert.Equal(t, "CREATE,INDEX_UPDATE", (ModeCreate | ModeIndexUpdate).String())
}

func TestPauseExpires(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f := NewFlags()
	f.now = func() time.Time { return now }

	assert.False(t, f.IsPaused(ModeCreate))

	f.Pause(ModeCreate|ModeStorage, 10*time.Minute)
	assert.True(t, f.IsPaused(ModeCreate))
	assert.True(t, f.IsPaused(ModeStorage))
	assert.False(t, f.IsPaused(ModeRestore))

	now = now.Add(11 * time.Minute)
	assert.False(t, f.IsPaused(ModeCreate), "expired pause clears lazily")
	modes, until := f.Status()
	assert.Zero(t, modes)
	assert.True(t, until.IsZero())
}

func TestSuspendNeverExpires(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f := NewFlags()
	f.now = func() time.Time { return now }

	f.Suspend(ModeAll)
	now = now.Add(1000 * time.Hour)
	assert.True(t, f.IsPaused(ModeIndexUpdate))

	f.Continue()
	assert.False(t, f.IsPaused(ModeIndexUpdate))
}

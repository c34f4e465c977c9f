package authz

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestRegistry(now *time.Time) *FailRegistry {
	r := NewFailRegistry()
	r.now = func() time.Time { return *now }
	return r
}

func TestPenaltyQuadratic(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	assert.Zero(t, r.Penalty("client1"))

	r.RecordFail("client1")
	assert.Equal(t, 500*time.Millisecond, r.Penalty("client1"))

	r.RecordFail("client1")
	assert.Equal(t, 2000*time.Millisecond, r.Penalty("client1"))

	r.RecordFail("client1")
	assert.Equal(t, 4500*time.Millisecond, r.Penalty("client1"))

	// Other clients are unaffected.
	assert.Zero(t, r.Penalty("client2"))
}

func TestPenaltyCapped(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	for i := 0; i < 100; i++ {
		r.RecordFail("bruteforce")
	}
	assert.Equal(t, MaxPenalty, r.Penalty("bruteforce"))
}

func TestPenaltyElapses(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	r.RecordFail("client1")
	now = now.Add(200 * time.Millisecond)
	assert.Equal(t, 300*time.Millisecond, r.Penalty("client1"))

	now = now.Add(time.Second)
	assert.Zero(t, r.Penalty("client1"))
}

func TestRecordSuccessClears(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	r.RecordFail("client1")
	r.RecordFail("client1")
	r.RecordSuccess("client1")
	assert.Zero(t, r.Penalty("client1"))

	// The quadratic count restarts from scratch.
	r.RecordFail("client1")
	assert.Equal(t, 500*time.Millisecond, r.Penalty("client1"))
}

func TestPruneAfterInactivity(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	r.RecordFail("stale")
	r.SessionOpened("stale")
	r.RecordFail("live")
	r.SessionOpened("live")
	r.SessionClosed("stale")

	now = now.Add(MaxHistoryKeep + time.Minute)
	removed := r.Prune()

	// The record with a live session survives.
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())
	assert.NotZero(t, r.Penalty("live"))
	assert.Zero(t, r.Penalty("stale"))
}

func TestCapEvictsOldestWithoutSession(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	r.RecordFail("protected")
	r.SessionOpened("protected")

	for i := 0; i < MaxFailRecords; i++ {
		now = now.Add(time.Second)
		r.RecordFail(fmt.Sprintf("client%03d", i))
	}

	assert.Equal(t, MaxFailRecords, r.Len())
	// "protected" has a live session and stays despite being oldest;
	// "client000" was the oldest evictable record.
	assert.NotZero(t, r.Penalty("protected"))
	assert.Zero(t, r.Penalty("client000"))
}

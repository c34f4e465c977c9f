package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bard-backup/bard/internal/db"
	"github.com/bard-backup/bard/internal/trigger"
)

func TestListAddFindRemove(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Lock(0))
	defer l.Unlock()

	a := NewJob("alpha")
	b := NewJob("beta")
	require.NoError(t, l.Add(a))
	require.NoError(t, l.Add(b))

	assert.ErrorIs(t, l.Add(NewJob("alpha")), ErrAlreadyExists)

	got, err := l.ByName("beta")
	require.NoError(t, err)
	assert.Same(t, b, got)

	got, err = l.ByUUID(a.UUID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.NoError(t, l.Remove(a.UUID))
	_, err = l.ByUUID(a.UUID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.Remove(a.UUID), ErrNotFound)
}

func TestListAllSorted(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Lock(0))
	defer l.Unlock()

	require.NoError(t, l.Add(NewJob("zeta")))
	require.NoError(t, l.Add(NewJob("alpha")))
	require.NoError(t, l.Add(NewJob("mid")))

	var names []string
	for _, j := range l.All() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestListLockTimeout(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Lock(0))

	err := l.RLock(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	err = l.Lock(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	l.Unlock()
	require.NoError(t, l.RLock(50*time.Millisecond))
	l.RUnlock()
}

func TestListUnlockSignalsChange(t *testing.T) {
	l := NewList()

	woke := make(chan bool, 1)
	go func() {
		// Delay returns false when the trigger fires before the timeout.
		woke <- !trigger.Delay(10*time.Second, trigger.NewQuit(), l.Changed())
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Lock(0))
	require.NoError(t, l.Add(NewJob("wakes-waiters")))
	l.Unlock()

	select {
	case early := <-woke:
		assert.True(t, early, "waiter should wake before the full delay")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Unlock")
	}
}

func TestNextRunnablePrefersContinuous(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Lock(0))
	defer l.Unlock()

	normal := NewJob("aaa-normal")
	cont := NewJob("zzz-continuous")
	require.NoError(t, l.Add(normal))
	require.NoError(t, l.Add(cont))

	normal.TriggerRun(TriggerInfo{ArchiveType: db.ArchiveTypeNormal})
	cont.TriggerRun(TriggerInfo{ArchiveType: db.ArchiveTypeContinuous})

	// Continuous wins despite sorting after the normal job by name.
	assert.Same(t, cont, l.NextRunnable())

	cont.Running.State = StateRunning
	assert.Same(t, normal, l.NextRunnable())

	normal.Running.State = StateRunning
	assert.Nil(t, l.NextRunnable())
	assert.Equal(t, 2, l.ActiveCount())
}

func TestNextRunnableSkipsUnpairedRemote(t *testing.T) {
	l := NewList()
	require.NoError(t, l.Lock(0))
	defer l.Unlock()

	remote := NewJob("remote")
	remote.Slave = &SlaveHost{Name: "agent01", Port: 38524}
	remote.SlaveState = SlaveStateOffline
	require.NoError(t, l.Add(remote))

	remote.TriggerRun(TriggerInfo{ArchiveType: db.ArchiveTypeFull})
	assert.Nil(t, l.NextRunnable())

	remote.SlaveState = SlaveStatePaired
	assert.Same(t, remote, l.NextRunnable())
}

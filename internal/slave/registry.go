package slave

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/trigger"
)

const (
	// shortSleep is the reconcile cadence while any slave is not paired.
	shortSleep = 30 * time.Second
	// longSleep is the cadence when every slave is paired; job-list changes
	// wake the loop early.
	longSleep = 10 * time.Minute

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to avoid synchronized reconnect storms.
	jitterFraction = 0.2
)

// entry is the registry's per-connector bookkeeping.
type entry struct {
	connector   *Connector
	refs        int
	failures    int
	nextAttempt time.Time
	wasPaired   bool
}

// Registry owns one connector per configured slave host and reconciles the
// set against the job list.
type Registry struct {
	list       *jobs.List
	tlsFiles   func() TLSFiles
	masterName string
	masterUUID string
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[Key]*entry

	quit *trigger.Quit
	done chan struct{}
}

// NewRegistry creates a registry. masterUUID is this master's stable
// identity presented to slaves; tlsFiles is read per attempt so option
// changes apply without restart.
func NewRegistry(list *jobs.List, tlsFiles func() TLSFiles, masterName, masterUUID string, logger *zap.Logger) *Registry {
	return &Registry{
		list:       list,
		tlsFiles:   tlsFiles,
		masterName: masterName,
		masterUUID: masterUUID,
		logger:     logger,
		entries:    make(map[Key]*entry),
		quit:       trigger.NewQuit(),
		done:       make(chan struct{}),
	}
}

// Start launches the reconcile loop.
func (r *Registry) Start() {
	go r.run()
}

// Stop disconnects every slave and terminates the loop.
func (r *Registry) Stop() {
	r.quit.Set()
	r.list.Changed().Signal()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.connector.IsAuthorized() {
			r.logger.Info("disconnecting authorized slave", zap.Stringer("slave", key))
		}
		e.connector.Disconnect()
		delete(r.entries, key)
	}
}

// ForJob returns the authorized connector of a remote job plus a release
// func protecting the connector from being dropped while in use.
func (r *Registry) ForJob(j *jobs.Job) (*Connector, func(), error) {
	if !j.IsRemote() {
		return nil, nil, protocol.Errorf(protocol.CodeFail, "job %s is not remote", j.Name)
	}
	key := Key{Host: j.Slave.Name, Port: j.Slave.Port, TLSMode: j.Slave.TLSMode}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || !e.connector.IsAuthorized() {
		return nil, nil, protocol.Errorf(protocol.CodeSlaveDisconnected, "slave %s not available", key)
	}
	e.refs++
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			r.mu.Unlock()
		})
	}
	return e.connector, release, nil
}

func (r *Registry) run() {
	defer close(r.done)
	for !r.quit.IsSet() {
		allPaired := r.reconcile()

		sleep := shortSleep
		if allPaired {
			sleep = longSleep
		}
		trigger.Delay(sleep, r.quit, r.list.Changed())
	}
}

// reconcile is one pass of the pool loop: sync the connector set with the
// job list, drive connect/authorize, and propagate slave states to jobs.
// Returns true when every connector is paired.
func (r *Registry) reconcile() bool {
	// Snapshot the wanted slave set under the read lock; network work
	// happens after release.
	wanted := make(map[Key][]*jobs.Job)
	if err := r.list.RLock(0); err != nil {
		r.logger.Warn("slave reconcile skipped", zap.Error(err))
		return false
	}
	for _, j := range r.list.All() {
		if !j.IsRemote() {
			continue
		}
		key := Key{Host: j.Slave.Name, Port: j.Slave.Port, TLSMode: j.Slave.TLSMode}
		wanted[key] = append(wanted[key], j)
	}
	r.list.RUnlock()

	// Sync the connector set.
	r.mu.Lock()
	for key := range wanted {
		if _, ok := r.entries[key]; !ok {
			r.entries[key] = &entry{connector: newConnector(key, r.logger)}
			r.logger.Info("slave added", zap.Stringer("slave", key))
		}
	}
	var work []*entry
	for key, e := range r.entries {
		if _, ok := wanted[key]; !ok && e.refs == 0 {
			e.connector.Disconnect()
			delete(r.entries, key)
			r.logger.Info("slave dropped", zap.Stringer("slave", key))
			continue
		}
		work = append(work, e)
	}
	r.mu.Unlock()

	now := time.Now()
	allPaired := len(work) > 0
	for _, e := range work {
		c := e.connector
		if !c.IsConnected() && now.After(e.nextAttempt) {
			if err := c.connect(r.tlsFiles()); err != nil {
				e.failures++
				e.nextAttempt = now.Add(backoffDelay(e.failures))
				r.logger.Debug("slave connect failed", zap.Stringer("slave", c.Key()), zap.Error(err))
			}
		}
		if c.IsConnected() && !c.IsAuthorized() {
			if err := c.authorize(r.masterName, r.masterUUID); err != nil {
				r.logger.Debug("slave authorize failed", zap.Stringer("slave", c.Key()), zap.Error(err))
				c.Disconnect()
				e.failures++
				e.nextAttempt = now.Add(backoffDelay(e.failures))
			}
		}

		state := c.State()
		if state == jobs.SlaveStatePaired {
			if !e.wasPaired {
				r.logger.Info("slave paired", zap.Stringer("slave", c.Key()))
			}
			e.failures = 0
			e.nextAttempt = time.Time{}
		} else {
			allPaired = false
			if e.wasPaired {
				r.logger.Info("slave lost", zap.Stringer("slave", c.Key()),
					zap.String("state", string(state)))
			}
		}
		e.wasPaired = state == jobs.SlaveStatePaired
	}

	// Propagate states to the bound jobs.
	if err := r.list.Lock(0); err != nil {
		r.logger.Warn("slave state propagation skipped", zap.Error(err))
		return false
	}
	defer r.list.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, bound := range wanted {
		state := jobs.SlaveStateOffline
		if e, ok := r.entries[key]; ok {
			state = e.connector.State()
		}
		for _, j := range bound {
			j.SlaveState = state
		}
	}
	if len(work) == 0 {
		return true
	}
	return allPaired
}

func backoffDelay(failures int) time.Duration {
	d := backoffInitial
	for i := 1; i < failures && d < backoffMax; i++ {
		d = time.Duration(float64(d) * backoffFactor)
	}
	if d > backoffMax {
		d = backoffMax
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// Package server implements the network front end: the TCP listener, the
// per-client session with its worker pool, and the command dispatcher that
// routes every wire command to its handler under an authorization mask.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/archive"
	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/indexer"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/pairing"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/persistence"
	"github.com/bard-backup/bard/internal/slave"
	"github.com/bard-backup/bard/internal/trigger"
)

// idlePurgeAge is how long an unauthorized session may sit idle before it is
// purged to make room when the connection limit is reached.
const idlePurgeAge = 60 * time.Second

// Deps bundles the collaborators the dispatcher drives. Optional fields may
// be nil; the corresponding commands then degrade or fail cleanly.
type Deps struct {
	Config     *config.Store
	List       *jobs.List
	Manager    *jobs.Manager
	Index      *index.Index
	Flags      *pause.Flags
	Fails      *authz.FailRegistry
	Classifier *authz.Classifier
	Pairing    *pairing.Coordinator
	Slaves     *slave.Registry
	Engine     *persistence.Engine
	Updater    *indexer.Updater
	Scanner    *indexer.AutoScanner
	Keeper     *indexer.Housekeeper
	Creator    archive.Creator
	Restorer   archive.Restorer

	Hostname  string
	StartedAt time.Time
}

// Server is the TCP front end.
type Server struct {
	deps   Deps
	disp   *Dispatcher
	logger *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*Session]struct{}

	quit *trigger.Quit
	wg   sync.WaitGroup
}

// New creates a server over the given collaborators.
func New(deps Deps, logger *zap.Logger) *Server {
	if deps.Creator == nil {
		deps.Creator = archive.Unsupported{}
	}
	if deps.Restorer == nil {
		deps.Restorer = archive.Unsupported{}
	}
	s := &Server{
		deps:     deps,
		logger:   logger.Named("server"),
		sessions: make(map[*Session]struct{}),
		quit:     trigger.NewQuit(),
	}
	s.disp = NewDispatcher(deps, s.logger)
	return s
}

// Dispatcher exposes the command dispatcher, e.g. for batch (stdio) clients.
func (s *Server) Dispatcher() *Dispatcher { return s.disp }

// Start opens the listener and launches the accept loop.
func (s *Server) Start() error {
	opts := s.deps.Config.Get()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.ListenPort))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("Listening", zap.Int("port", opts.ListenPort))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every session, then waits for the workers.
func (s *Server) Stop() {
	s.quit.Set()
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.quit.IsSet() {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if !s.admit(conn) {
			conn.Close()
			continue
		}
	}
}

// admit registers a new session, purging idle unauthorized sessions when the
// connection limit is reached.
func (s *Server) admit(conn net.Conn) bool {
	maxConns := s.deps.Config.Get().MaxConnections

	s.mu.Lock()
	if maxConns > 0 && len(s.sessions) >= maxConns {
		s.purgeIdleLocked()
	}
	if maxConns > 0 && len(s.sessions) >= maxConns {
		s.mu.Unlock()
		s.logger.Warn("connection limit reached, rejecting",
			zap.String("peer", conn.RemoteAddr().String()))
		return false
	}
	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	metrics.ConnectedClients.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.serve()
		s.drop(sess)
	}()
	return true
}

// ServeConn runs a session over an externally established connection, e.g.
// the websocket bridge. It blocks until the session ends; the caller owns
// the connection's lifetime beyond that.
func (s *Server) ServeConn(conn net.Conn) {
	maxConns := s.deps.Config.Get().MaxConnections

	s.mu.Lock()
	if maxConns > 0 && len(s.sessions) >= maxConns {
		s.purgeIdleLocked()
	}
	if maxConns > 0 && len(s.sessions) >= maxConns {
		s.mu.Unlock()
		s.logger.Warn("connection limit reached, rejecting",
			zap.String("peer", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	metrics.ConnectedClients.Inc()
	sess.serve()
	s.drop(sess)
}

func (s *Server) drop(sess *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		metrics.ConnectedClients.Dec()
	}
	s.mu.Unlock()
}

// purgeIdleLocked closes sessions that never completed authorization and
// have been idle for a minute.
func (s *Server) purgeIdleLocked() {
	cutoff := time.Now().Add(-idlePurgeAge)
	for sess := range s.sessions {
		if sess.State() == SessionWaiting && sess.LastActivity().Before(cutoff) {
			s.logger.Info("purging idle unauthorized session",
				zap.String("peer", sess.Peer()))
			sess.Close()
		}
	}
}

// DisconnectMasters closes every session authorized as a master. Wired into
// the pairing coordinator: clearing the paired master invalidates its
// sessions.
func (s *Server) DisconnectMasters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess.State() == SessionMaster {
			sess.Close()
		}
	}
}

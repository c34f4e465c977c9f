package server

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/protocol"
)

// SessionState is the authorization state of one client connection.
type SessionState int

const (
	// SessionWaiting accepts only startTLS, authorize, version, errorInfo.
	SessionWaiting SessionState = iota
	// SessionClient is a password-authorized client.
	SessionClient
	// SessionMaster is a UUID-authorized master (slave mode only).
	SessionMaster
	// SessionFail marks a failed authorization; the session is torn down.
	SessionFail
)

func (s SessionState) String() string {
	switch s {
	case SessionClient:
		return "CLIENT"
	case SessionMaster:
		return "MASTER"
	case SessionFail:
		return "FAIL"
	default:
		return "WAITING"
	}
}

// workerCount is the per-session command worker pool size.
const workerCount = 3

// queueDepth bounds the per-session command queue.
const queueDepth = 32

// abortRingSize bounds how many abort requests are remembered.
const abortRingSize = 16

// credStore holds the session-scoped passwords fed by the password
// commands. They never leave the session.
type credStore struct {
	mu      sync.Mutex
	decrypt []string // restore decrypt candidates, in arrival order
	crypt   string
	ftp     string
	ssh     string
	webdav  string
}

func (c *credStore) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c = credStore{}
}

// idSelection is a session-scoped working set of index row ids, driven by
// the indexStorageList*/indexEntryList* selection commands.
type idSelection struct {
	mu  sync.Mutex
	ids []int64
}

func (s *idSelection) Add(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if !containsID(s.ids, id) {
			s.ids = append(s.ids, id)
		}
	}
}

func (s *idSelection) Remove(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.ids[:0]
	for _, id := range s.ids {
		if !containsID(ids, id) {
			kept = append(kept, id)
		}
	}
	s.ids = kept
}

func (s *idSelection) Clear() {
	s.mu.Lock()
	s.ids = nil
	s.mu.Unlock()
}

// All returns a copy of the selection in insertion order.
func (s *idSelection) All() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.ids))
	copy(out, s.ids)
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Session is one client connection: reader loop, worker pool, and the
// per-session authorization and password state.
type Session struct {
	srv    *Server
	logger *zap.Logger

	mu           sync.Mutex
	conn         net.Conn
	reader       *bufio.Reader
	state        SessionState
	name         string
	peer         string
	lastActivity time.Time
	tlsActive    bool

	writeMu sync.Mutex

	queue   chan protocol.Command
	closed  chan struct{}
	closeMu sync.Once

	abortMu  sync.Mutex
	aborts   [abortRingSize]uint64
	abortPos int
	inflight map[uint64]*index.Handle

	// drivenJobs are jobs whose runs this session drives (slave-mode
	// create); they are aborted when the session disconnects.
	drivenMu   sync.Mutex
	drivenJobs map[uuid.UUID]bool

	creds credStore

	// Selection working sets for the index selection commands.
	storageSel idSelection
	entrySel   idSelection
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:          srv,
		logger:       srv.logger.With(zap.String("peer", conn.RemoteAddr().String())),
		conn:         conn,
		reader:       bufio.NewReader(conn),
		state:        SessionWaiting,
		peer:         conn.RemoteAddr().String(),
		lastActivity: time.Now(),
		queue:        make(chan protocol.Command, queueDepth),
		closed:       make(chan struct{}),
		inflight:     make(map[uint64]*index.Handle),
		drivenJobs:   make(map[uuid.UUID]bool),
	}
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Name returns the client name presented on authorize, or the peer address.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" {
		return s.name
	}
	return s.peer
}

// Peer returns the remote address.
func (s *Session) Peer() string { return s.peer }

// LastActivity returns the time of the last received command.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Close tears the session down. Safe to call from any goroutine.
func (s *Session) Close() {
	s.closeMu.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// serve runs the session: workers plus the synchronous reader loop.
func (s *Session) serve() {
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker()
		}()
	}

	s.readLoop()
	s.Close()
	close(s.queue)
	wg.Wait()
	s.abortDrivenJobs()
	if st := s.State(); st == SessionClient || st == SessionMaster {
		s.srv.deps.Fails.SessionClosed(s.Name())
	}
}

func (s *Session) readLoop() {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		cmd, perr := protocol.ParseCommand(trimLine(line))
		if perr != nil {
			code, msg := protocol.AsError(perr)
			res := protocol.NewResult(cmd.ID, true, code)
			res.Message = msg
			s.writeResult(res)
			continue
		}
		if !s.handleInline(cmd) {
			return
		}
	}
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// handleInline processes a parsed command on the reader thread. Session
// control commands run synchronously; everything else is checked against
// the authorization mask and queued. Returns false to end the session.
func (s *Session) handleInline(cmd protocol.Command) bool {
	switch cmd.Name {
	case "quit":
		s.writeResult(protocol.NewResult(cmd.ID, true, protocol.CodeNone))
		return false
	case "abort":
		s.handleAbort(cmd)
		return true
	case "startTLS":
		return s.handleStartTLS(cmd)
	case "authorize":
		return s.handleAuthorize(cmd)
	}

	entry, ok := s.srv.disp.lookup(cmd.Name)
	if !ok {
		res := protocol.NewResult(cmd.ID, true, protocol.CodeUnknownCommand)
		res.Message = "unknown command " + cmd.Name
		s.writeResult(res)
		return true
	}
	if !entry.mask.admits(s.State()) {
		res := protocol.NewResult(cmd.ID, true, protocol.CodeAuthorization)
		res.Message = "not authorized for " + cmd.Name
		s.writeResult(res)
		return s.State() != SessionFail
	}

	select {
	case s.queue <- cmd:
	case <-s.closed:
		return false
	}
	return true
}

// handleAbort records the target id and interrupts its index handle if the
// command is currently executing.
func (s *Session) handleAbort(cmd protocol.Command) {
	target, err := cmd.Args.Uint("commandId")
	if err != nil {
		code, msg := protocol.AsError(err)
		res := protocol.NewResult(cmd.ID, true, code)
		res.Message = msg
		s.writeResult(res)
		return
	}

	s.abortMu.Lock()
	s.aborts[s.abortPos%abortRingSize] = target
	s.abortPos++
	if h, ok := s.inflight[target]; ok && h != nil {
		h.Interrupt()
	}
	s.abortMu.Unlock()

	s.writeResult(protocol.NewResult(cmd.ID, true, protocol.CodeNone))
}

func (s *Session) isAborted(id uint64) bool {
	if s.isClosed() {
		return true
	}
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	for _, a := range s.aborts {
		if a != 0 && a == id {
			return true
		}
	}
	return false
}

// isClosed reports whether the session has been torn down. A disconnecting
// client aborts every not-yet-completed command.
func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// worker executes queued commands. Each worker holds its own index handle
// for the session lifetime; abort interrupts target it through the
// inflight map.
func (s *Session) worker() {
	var h *index.Handle
	if s.srv.deps.Index != nil {
		h, _ = s.srv.deps.Index.Open()
	}
	if h != nil {
		defer h.Close()
	}

	for cmd := range s.queue {
		if s.isAborted(cmd.ID) {
			res := protocol.NewResult(cmd.ID, true, protocol.CodeAborted)
			res.Message = "aborted"
			s.writeResult(res)
			continue
		}

		s.abortMu.Lock()
		s.inflight[cmd.ID] = h
		s.abortMu.Unlock()

		s.srv.disp.Dispatch(s, h, cmd, s.writeResult)

		s.abortMu.Lock()
		delete(s.inflight, cmd.ID)
		s.abortMu.Unlock()
		if h != nil {
			h.Close() // clears the interrupt flag for the next command
		}
	}
}

// writeResult writes one result line. Serialized across workers.
func (s *Session) writeResult(res *protocol.Result) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	s.conn.Write([]byte(res.Format() + "\n"))
}

// handleStartTLS upgrades the connection. The confirmation is written over
// plaintext; the handshake follows immediately after.
func (s *Session) handleStartTLS(cmd protocol.Command) bool {
	opts := s.srv.deps.Config.Get()
	if opts.CertFile == "" {
		s.writeError(cmd.ID, protocol.Errorf(protocol.CodeNoTLSCertificate, "no TLS certificate configured"))
		return true
	}
	if opts.KeyFile == "" {
		s.writeError(cmd.ID, protocol.Errorf(protocol.CodeNoTLSKey, "no TLS key configured"))
		return true
	}
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		s.writeError(cmd.ID, protocol.Errorf(protocol.CodeNoTLSCertificate, "loading TLS material: %v", err))
		return true
	}

	s.writeResult(protocol.NewResult(cmd.ID, true, protocol.CodeNone))

	tlsConn := tls.Server(s.conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Warn("TLS handshake failed", zap.Error(err))
		return false
	}
	s.mu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.tlsActive = true
	s.mu.Unlock()
	return true
}

// handleAuthorize classifies the presented credential and transitions the
// session. A failed attempt records the failure, answers, and disconnects.
func (s *Session) handleAuthorize(cmd protocol.Command) bool {
	if s.State() != SessionWaiting {
		s.writeError(cmd.ID, protocol.Errorf(protocol.CodeAuthorization, "already authorized"))
		return true
	}

	name := cmd.Args.StringDefault("name", "")
	failKey := name
	if failKey == "" {
		failKey = s.peer
	}
	// Quadratic penalty after failed attempts, capped by the registry.
	if p := s.srv.deps.Fails.Penalty(failKey); p > 0 {
		select {
		case <-time.After(p):
		case <-s.closed:
			return false
		}
	}

	encryptType := authz.EncryptType(cmd.Args.StringDefault("encryptType", "NONE"))
	var class authz.Class
	var err error
	if pw, ok := cmd.Args["encryptedPassword"]; ok {
		class, err = s.srv.deps.Classifier.ClassifyPassword(encryptType, pw)
	} else if enc, ok := cmd.Args["encryptedUUID"]; ok {
		class, _, err = s.srv.deps.Classifier.ClassifyUUID(encryptType, name, enc)
	} else {
		err = protocol.Errorf(protocol.CodeExpectedParameter, "expected encryptedPassword or encryptedUUID")
	}

	if err != nil || class == authz.ClassFail {
		s.setState(SessionFail)
		s.srv.deps.Fails.RecordFail(failKey)
		metrics.AuthFailures.Inc()
		if err == nil {
			err = protocol.Errorf(protocol.CodeAuthorization, "authorization failed")
		}
		s.writeError(cmd.ID, err)
		s.logger.Warn("authorization failed", zap.String("name", name))
		return false
	}

	s.mu.Lock()
	s.name = name
	if class == authz.ClassMaster {
		s.state = SessionMaster
	} else {
		s.state = SessionClient
	}
	s.mu.Unlock()
	s.srv.deps.Fails.RecordSuccess(failKey)
	s.srv.deps.Fails.SessionOpened(failKey)
	if class == authz.ClassMaster {
		metrics.PairedSlaves.Inc()
	}

	s.logger.Info("Authorized", zap.String("name", name), zap.Stringer("class", class))
	s.writeResult(protocol.NewResult(cmd.ID, true, protocol.CodeNone).
		Put("class", class.String()))
	return true
}

func (s *Session) writeError(id uint64, err error) {
	code, msg := protocol.AsError(err)
	res := protocol.NewResult(id, true, code)
	res.Message = msg
	s.writeResult(res)
}

// ActorName identifies this session for abort attribution and history
// rows: the authorized name when known, the peer address otherwise.
func (s *Session) ActorName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" {
		return s.name
	}
	return s.peer
}

// markDriven records a job this session's create command is driving.
func (s *Session) markDriven(id uuid.UUID) {
	s.drivenMu.Lock()
	if s.drivenJobs == nil {
		s.drivenJobs = make(map[uuid.UUID]bool)
	}
	s.drivenJobs[id] = true
	s.drivenMu.Unlock()
}

func (s *Session) unmarkDriven(id uuid.UUID) {
	s.drivenMu.Lock()
	delete(s.drivenJobs, id)
	s.drivenMu.Unlock()
}

// abortDrivenJobs requests an abort for every run this session was driving.
// A master that disconnects mid-create must not leave the slave writing.
func (s *Session) abortDrivenJobs() {
	s.drivenMu.Lock()
	ids := make([]uuid.UUID, 0, len(s.drivenJobs))
	for id := range s.drivenJobs {
		ids = append(ids, id)
	}
	s.drivenMu.Unlock()
	if len(ids) == 0 {
		return
	}

	list := s.srv.deps.List
	if err := list.Lock(0); err != nil {
		return
	}
	defer list.Unlock()
	for _, id := range ids {
		if j, err := list.ByUUID(id); err == nil && j.IsActive() {
			j.Running.RequestedAbortFlag = true
			j.Running.RequestedAbortActor = s.Name()
		}
	}
}

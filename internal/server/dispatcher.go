package server

import (
	"bufio"
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/index"
	"github.com/bard-backup/bard/internal/metrics"
	"github.com/bard-backup/bard/internal/protocol"
)

// stateMask is the set of session states a command is admissible in.
type stateMask uint8

const (
	maskWaiting stateMask = 1 << iota
	maskClient
	maskMaster
)

// maskAuthorized admits clients and masters; the usual mask.
const maskAuthorized = maskClient | maskMaster

// maskAny additionally admits unauthorized sessions.
const maskAny = maskWaiting | maskAuthorized

func (m stateMask) admits(st SessionState) bool {
	switch st {
	case SessionWaiting:
		return m&maskWaiting != 0
	case SessionClient:
		return m&maskClient != 0
	case SessionMaster:
		return m&maskMaster != 0
	default:
		return false
	}
}

// Ctx carries one command through its handler.
type Ctx struct {
	S   *Session
	H   *index.Handle // nil when no index database is configured
	Cmd protocol.Command

	write func(*protocol.Result)
}

// Emit streams one non-terminal row.
func (c *Ctx) Emit(res *protocol.Result) {
	res.ID = c.Cmd.ID
	res.Complete = false
	c.write(res)
}

// Row creates a non-terminal row for this command.
func (c *Ctx) Row() *protocol.Result {
	return protocol.NewResult(c.Cmd.ID, false, protocol.CodeNone)
}

// OK creates the plain terminal row.
func (c *Ctx) OK() *protocol.Result {
	return protocol.NewResult(c.Cmd.ID, true, protocol.CodeNone)
}

// Handle returns the index handle or the not-initialized error.
func (c *Ctx) Handle() (*index.Handle, error) {
	if c.H == nil {
		return nil, protocol.Errorf(protocol.CodeDatabaseIndexNotFound, "no index database configured")
	}
	return c.H, nil
}

// handlerFunc executes one command. The returned result is the terminal
// row; a nil result with nil error answers with a plain OK.
type handlerFunc func(c *Ctx) (*protocol.Result, error)

type commandEntry struct {
	mask stateMask
	// forwardable commands carrying a job argument bound to a remote slave
	// are proxied to its connector instead of executing locally.
	forwardable bool
	fn          handlerFunc
}

// Dispatcher routes commands to handlers.
type Dispatcher struct {
	deps   Deps
	logger *zap.Logger
	table  map[string]commandEntry
}

// NewDispatcher builds the dispatcher with the full command table.
func NewDispatcher(deps Deps, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		logger: logger.Named("dispatch"),
		table:  make(map[string]commandEntry),
	}
	d.registerSessionCommands()
	d.registerGlobalCommands()
	d.registerMasterCommands()
	d.registerFileCommands()
	d.registerJobCommands()
	d.registerSublistCommands()
	d.registerPasswordCommands()
	d.registerIndexCommands()
	d.registerBulkCommands()
	return d
}

func (d *Dispatcher) register(name string, mask stateMask, fn handlerFunc) {
	d.table[name] = commandEntry{mask: mask, fn: fn}
}

func (d *Dispatcher) registerForwardable(name string, mask stateMask, fn handlerFunc) {
	d.table[name] = commandEntry{mask: mask, forwardable: true, fn: fn}
}

func (d *Dispatcher) lookup(name string) (commandEntry, bool) {
	e, ok := d.table[name]
	return e, ok
}

// Dispatch executes one admitted command and writes its result rows.
func (d *Dispatcher) Dispatch(s *Session, h *index.Handle, cmd protocol.Command, write func(*protocol.Result)) {
	entry, ok := d.table[cmd.Name]
	if !ok {
		res := protocol.NewResult(cmd.ID, true, protocol.CodeUnknownCommand)
		res.Message = "unknown command " + cmd.Name
		write(res)
		return
	}
	metrics.CommandsDispatched.WithLabelValues(cmd.Name).Inc()

	if entry.forwardable {
		if done := d.forward(s, cmd, write); done {
			return
		}
	}

	c := &Ctx{S: s, H: h, Cmd: cmd, write: write}
	res, err := entry.fn(c)
	if err != nil {
		code, msg := protocol.AsError(err)
		out := protocol.NewResult(cmd.ID, true, code)
		out.Message = msg
		write(out)
		return
	}
	if res == nil {
		res = c.OK()
	}
	res.ID = cmd.ID
	res.Complete = true
	write(res)
}

// forward proxies a command to the slave connector of its remote job,
// relaying result frames unchanged. Returns whether the command was
// handled remotely.
func (d *Dispatcher) forward(s *Session, cmd protocol.Command, write func(*protocol.Result)) bool {
	jobName, ok := cmd.Args["job"]
	if !ok || d.deps.Slaves == nil {
		return false
	}

	if err := d.deps.List.RLock(0); err != nil {
		return false
	}
	j, jerr := d.deps.List.ByName(jobName)
	remote := jerr == nil && j.IsRemote()
	d.deps.List.RUnlock()
	if !remote {
		return false
	}

	conn, release, err := d.deps.Slaves.ForJob(j)
	if err != nil {
		res := protocol.NewResult(cmd.ID, true, protocol.CodeSlaveDisconnected)
		_, res.Message = protocol.AsError(err)
		write(res)
		return true
	}
	defer release()

	rows, err := conn.Execute(context.Background(), cmd.Name, cmd.Args)
	if err != nil {
		s.writeError(cmd.ID, err)
		return true
	}
	complete := false
	for row := range rows {
		out := row
		out.ID = cmd.ID
		write(&out)
		complete = out.Complete
	}
	if !complete {
		res := protocol.NewResult(cmd.ID, true, protocol.CodeSlaveDisconnected)
		res.Message = "connection to slave lost"
		write(res)
	}
	return true
}

// RunBatch executes commands from a stdio stream synchronously, one per
// line. Batch clients are implicitly authorized: they already own the
// process.
func (d *Dispatcher) RunBatch(r io.Reader, w io.Writer) error {
	var h *index.Handle
	if d.deps.Index != nil {
		h, _ = d.deps.Index.Open()
	}
	if h != nil {
		defer h.Close()
	}

	sess := &Session{srv: &Server{deps: d.deps, disp: d, logger: d.logger}, state: SessionClient, peer: "batch"}
	out := bufio.NewWriter(w)
	write := func(res *protocol.Result) {
		out.WriteString(res.Format() + "\n")
		out.Flush()
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			code, msg := protocol.AsError(err)
			res := protocol.NewResult(0, true, code)
			res.Message = msg
			write(res)
			continue
		}
		if cmd.Name == "quit" {
			write(protocol.NewResult(cmd.ID, true, protocol.CodeNone))
			return nil
		}
		d.Dispatch(sess, h, cmd, write)
	}
	return scanner.Err()
}

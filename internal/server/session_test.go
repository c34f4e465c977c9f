package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/protocol"
)

// pipeSession builds a session over a net.Pipe and returns a reader over
// what the session writes.
func pipeSession(t *testing.T) (*Session, *bufio.Reader) {
	t.Helper()
	deps := testDeps(t)
	d := NewDispatcher(deps, zap.NewNop())
	srv := &Server{deps: deps, disp: d, logger: zap.NewNop()}

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return newSession(srv, server), bufio.NewReader(client)
}

func readResult(t *testing.T, r *bufio.Reader) *protocol.Result {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	res, err := protocol.ParseResult(line[:len(line)-1])
	require.NoError(t, err)
	return res
}

func TestAbortRing(t *testing.T) {
	s, r := pipeSession(t)

	done := make(chan *protocol.Result, 1)
	go func() { done <- readResult(t, r) }()

	cmd, err := protocol.ParseCommand("99 abort commandId=5")
	require.NoError(t, err)
	s.handleAbort(cmd)

	res := <-done
	assert.Equal(t, uint64(99), res.ID)
	assert.Equal(t, protocol.CodeNone, res.Code)

	assert.True(t, s.isAborted(5))
	assert.False(t, s.isAborted(6))
}

func TestAbortRingOverwritesOldest(t *testing.T) {
	s, r := pipeSession(t)
	go func() {
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	for i := 1; i <= abortRingSize+1; i++ {
		cmd, err := protocol.ParseCommand("1 abort commandId=" + strconv.Itoa(i))
		require.NoError(t, err)
		s.handleAbort(cmd)
	}

	assert.False(t, s.isAborted(1), "oldest entry is overwritten")
	assert.True(t, s.isAborted(2))
	assert.True(t, s.isAborted(uint64(abortRingSize+1)))
}

func TestInlineRejectsUnauthorized(t *testing.T) {
	s, r := pipeSession(t)

	done := make(chan *protocol.Result, 1)
	go func() { done <- readResult(t, r) }()

	cmd, err := protocol.ParseCommand("4 jobList")
	require.NoError(t, err)
	require.True(t, s.handleInline(cmd), "waiting sessions stay open after a refusal")

	res := <-done
	assert.Equal(t, protocol.CodeAuthorization, res.Code)
	assert.Len(t, s.queue, 0)
}

func TestInlineQueuesAuthorizedCommand(t *testing.T) {
	s, _ := pipeSession(t)
	s.setState(SessionClient)

	cmd, err := protocol.ParseCommand("4 jobList")
	require.NoError(t, err)
	require.True(t, s.handleInline(cmd))

	queued := <-s.queue
	assert.Equal(t, "jobList", queued.Name)
}

// recordConn captures everything the session writes; Close is benign so
// results written after teardown stay observable.
type recordConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordConn) results(t *testing.T) []*protocol.Result {
	t.Helper()
	c.mu.Lock()
	raw := c.buf.String()
	c.mu.Unlock()
	var out []*protocol.Result
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		res, err := protocol.ParseResult(line)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func (c *recordConn) Close() error                     { return nil }
func (c *recordConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *recordConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

// A disconnecting client aborts every not-yet-completed command: queued
// work is answered with Aborted instead of being executed.
func TestDisconnectAbortsQueuedCommands(t *testing.T) {
	deps := testDeps(t)
	d := NewDispatcher(deps, zap.NewNop())
	srv := &Server{deps: deps, disp: d, logger: zap.NewNop()}
	conn := &recordConn{}
	s := newSession(srv, conn)
	s.setState(SessionClient)

	cmd, err := protocol.ParseCommand("5 jobList")
	require.NoError(t, err)
	require.True(t, s.handleInline(cmd))

	s.Close()
	close(s.queue)
	s.worker()

	results := conn.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(5), results[0].ID)
	assert.Equal(t, protocol.CodeAborted, results[0].Code)
}

func TestDisconnectCancelsInFlightWork(t *testing.T) {
	deps := testDeps(t)
	d := NewDispatcher(deps, zap.NewNop())
	srv := &Server{deps: deps, disp: d, logger: zap.NewNop()}
	s := newSession(srv, &recordConn{})
	s.setState(SessionClient)

	c := &Ctx{S: s, Cmd: protocol.Command{ID: 9}}
	ctx, cancel := abortableContext(c)
	defer cancel()

	assert.False(t, s.isAborted(9))
	s.Close()
	assert.True(t, s.isAborted(9), "close counts as abort for pending work")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on disconnect")
	}
}

func TestIDSelection(t *testing.T) {
	var sel idSelection

	sel.Add([]int64{1, 2, 3})
	sel.Add([]int64{2, 4})
	assert.Equal(t, []int64{1, 2, 3, 4}, sel.All(), "duplicates are ignored")

	sel.Remove([]int64{2, 9})
	assert.Equal(t, []int64{1, 3, 4}, sel.All())

	got := sel.All()
	got[0] = 99
	assert.Equal(t, []int64{1, 3, 4}, sel.All(), "All returns a copy")

	sel.Clear()
	assert.Empty(t, sel.All())
}

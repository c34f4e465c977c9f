package slave

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

// fakeSlave is a minimal in-process slave speaking the line protocol.
type fakeSlave struct {
	listener net.Listener
	mode     string
	major    int
	// rejectAuth makes authorize fail with NotPaired.
	rejectAuth bool

	authorizedName chan string
}

func newFakeSlave(t *testing.T) *fakeSlave {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeSlave{
		listener:       l,
		mode:           "SLAVE",
		major:          protocol.VersionMajor,
		authorizedName: make(chan string, 1),
	}
	t.Cleanup(func() { l.Close() })
	go fs.serve()
	return fs
}

func (fs *fakeSlave) addr() (host string, port int) {
	addr := fs.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (fs *fakeSlave) serve() {
	for {
		conn, err := fs.listener.Accept()
		if err != nil {
			return
		}
		go fs.handle(conn)
	}
}

func (fs *fakeSlave) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd, err := protocol.ParseCommand(scanner.Text())
		if err != nil {
			continue
		}
		var res *protocol.Result
		switch cmd.Name {
		case "version":
			res = protocol.NewResult(cmd.ID, true, protocol.CodeNone).
				Put("major", fs.major).
				Put("minor", protocol.VersionMinor).
				Put("mode", fs.mode)
		case "authorize":
			if fs.rejectAuth {
				res = protocol.NewResult(cmd.ID, true, protocol.CodeNotPaired)
				res.Message = "not paired"
			} else {
				name := cmd.Args.StringDefault("name", "")
				select {
				case fs.authorizedName <- name:
				default:
				}
				res = protocol.NewResult(cmd.ID, true, protocol.CodeNone)
			}
		case "startTLS":
			res = protocol.NewResult(cmd.ID, true, protocol.CodeNoTLSCertificate)
			res.Message = "no certificate"
		case "burst":
			// Replies late and verbosely, after the caller may have
			// given up waiting.
			time.Sleep(100 * time.Millisecond)
			for i := 0; i < 32; i++ {
				row := protocol.NewResult(cmd.ID, false, protocol.CodeNone).Put("n", i)
				conn.Write([]byte(row.Format() + "\n"))
			}
			res = protocol.NewResult(cmd.ID, true, protocol.CodeNone)
		case "rows":
			for i := 0; i < 3; i++ {
				row := protocol.NewResult(cmd.ID, false, protocol.CodeNone).Put("n", i)
				conn.Write([]byte(row.Format() + "\n"))
			}
			res = protocol.NewResult(cmd.ID, true, protocol.CodeNone)
		default:
			res = protocol.NewResult(cmd.ID, true, protocol.CodeUnknownCommand)
		}
		conn.Write([]byte(res.Format() + "\n"))
	}
}

func testConnector(t *testing.T, fs *fakeSlave) *Connector {
	t.Helper()
	host, port := fs.addr()
	c := newConnector(Key{Host: host, Port: port, TLSMode: jobs.TLSModeNone}, zap.NewNop())
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectorAuthorizePaired(t *testing.T) {
	fs := newFakeSlave(t)
	c := testConnector(t, fs)

	assert.Equal(t, jobs.SlaveStateOffline, c.State())
	require.NoError(t, c.connect(TLSFiles{}))
	assert.Equal(t, jobs.SlaveStateOnline, c.State())

	require.NoError(t, c.authorize("master01", "11111111-2222-3333-4444-555555555555"))
	assert.Equal(t, jobs.SlaveStatePaired, c.State())
	assert.Equal(t, "master01", <-fs.authorizedName)
}

func TestConnectorWrongMode(t *testing.T) {
	fs := newFakeSlave(t)
	fs.mode = "MASTER"
	c := testConnector(t, fs)

	require.NoError(t, c.connect(TLSFiles{}))
	require.NoError(t, c.authorize("master01", "uuid"))
	assert.Equal(t, jobs.SlaveStateWrongMode, c.State())
}

func TestConnectorWrongProtocolVersion(t *testing.T) {
	fs := newFakeSlave(t)
	fs.major = protocol.VersionMajor + 1
	c := testConnector(t, fs)

	require.NoError(t, c.connect(TLSFiles{}))
	require.NoError(t, c.authorize("master01", "uuid"))
	assert.Equal(t, jobs.SlaveStateWrongProtocolVersion, c.State())
}

func TestConnectorAuthorizeRejected(t *testing.T) {
	fs := newFakeSlave(t)
	fs.rejectAuth = true
	c := testConnector(t, fs)

	require.NoError(t, c.connect(TLSFiles{}))
	err := c.authorize("master01", "uuid")
	code, _ := protocol.AsError(err)
	assert.Equal(t, protocol.CodeNotPaired, code)
	assert.Equal(t, jobs.SlaveStateOnline, c.State())
}

func TestConnectorStreamsRows(t *testing.T) {
	fs := newFakeSlave(t)
	c := testConnector(t, fs)
	require.NoError(t, c.connect(TLSFiles{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := c.Execute(ctx, "rows", nil)
	require.NoError(t, err)

	var rows []string
	for res := range results {
		if res.Complete {
			assert.Equal(t, protocol.CodeNone, res.Code)
			break
		}
		n, ok := res.Get("n")
		require.True(t, ok)
		rows = append(rows, n)
	}
	assert.Equal(t, []string{"0", "1", "2"}, rows)
}

func TestConnectorDisconnectFailsPending(t *testing.T) {
	fs := newFakeSlave(t)
	c := testConnector(t, fs)
	require.NoError(t, c.connect(TLSFiles{}))

	c.Disconnect()
	assert.Equal(t, jobs.SlaveStateOffline, c.State())
	_, err := c.Execute(context.Background(), "version", nil)
	code, _ := protocol.AsError(err)
	assert.Equal(t, protocol.CodeSlaveDisconnected, code)
}

func TestCallTimeoutUnregistersPending(t *testing.T) {
	fs := newFakeSlave(t)
	c := testConnector(t, fs)
	require.NoError(t, c.connect(TLSFiles{}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "burst", nil)
	code, _ := protocol.AsError(err)
	assert.Equal(t, protocol.CodeConnectFail, code)

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, n, "abandoned command is unregistered")

	// The burst frames for the abandoned id are dropped; the connection
	// still serves new commands.
	callCtx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()
	res, err := c.Call(callCtx, "version", nil)
	require.NoError(t, err)
	_, ok := res.Get("mode")
	assert.True(t, ok)
}

func TestBackoffDelay(t *testing.T) {
	for i := 1; i <= 12; i++ {
		d := backoffDelay(i)
		assert.GreaterOrEqual(t, d, time.Duration(float64(backoffInitial)*(1-jitterFraction)))
		assert.LessOrEqual(t, d, time.Duration(float64(backoffMax)*(1+jitterFraction)))
	}
	// Monotone before the cap (ignoring jitter bounds).
	assert.Less(t, time.Duration(float64(backoffDelay(1))/(1+jitterFraction)),
		time.Duration(float64(backoffDelay(4))/(1-jitterFraction)))
}

func TestRegistryReconcile(t *testing.T) {
	fs := newFakeSlave(t)
	host, port := fs.addr()

	list := jobs.NewList()
	require.NoError(t, list.Lock(0))
	remote := jobs.NewJob("remote-job")
	remote.Slave = &jobs.SlaveHost{Name: host, Port: port, TLSMode: jobs.TLSModeNone}
	require.NoError(t, list.Add(remote))
	local := jobs.NewJob("local-job")
	require.NoError(t, list.Add(local))
	list.Unlock()

	r := NewRegistry(list, func() TLSFiles { return TLSFiles{} }, "master01", "uuid-1", zap.NewNop())
	defer r.Stop()
	r.quit.Set() // keep the loop from running; drive reconcile directly
	close(r.done)

	allPaired := r.reconcile()
	assert.True(t, allPaired)
	assert.Equal(t, jobs.SlaveStatePaired, remote.SlaveState)
	assert.Equal(t, jobs.SlaveState(""), local.SlaveState, "local jobs untouched")

	conn, release, err := r.ForJob(remote)
	require.NoError(t, err)
	assert.True(t, conn.IsAuthorized())
	release()

	// Dropping the job removes the connector on the next pass.
	require.NoError(t, list.Lock(0))
	require.NoError(t, list.Remove(remote.UUID))
	list.Unlock()
	r.reconcile()
	_, _, err = r.ForJob(remote)
	assert.Error(t, err)
}

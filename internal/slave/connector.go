// Package slave manages outgoing connections from a master to its
// configured slave hosts: connect, optional TLS upgrade, authorization with
// the master UUID, protocol version check, and command forwarding for
// remote jobs.
package slave

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	authorizeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Key identifies a connector: at most one connector per (host, port,
// tlsMode) is authorized at any instant.
type Key struct {
	Host    string
	Port    int
	TLSMode jobs.TLSMode
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Host, k.Port, k.TLSMode)
}

// TLSFiles carries the CA/cert/key material for outgoing connections.
type TLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Connector is one connection to a slave host. Lifecycle is driven by the
// Registry's reconcile loop; Execute may be called concurrently once the
// connector is authorized.
type Connector struct {
	key    Key
	logger *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	writer     *bufio.Writer
	nextID     uint64
	pending    map[uint64]chan protocol.Result
	authorized bool
	remoteMode config.Mode
	remoteVer  [2]int
}

func newConnector(key Key, logger *zap.Logger) *Connector {
	return &Connector{
		key:     key,
		logger:  logger.With(zap.Stringer("slave", key)),
		pending: make(map[uint64]chan protocol.Result),
		nextID:  1,
	}
}

// Key returns the connector identity.
func (c *Connector) Key() Key {
	return c.key
}

// IsConnected reports whether a transport connection is up.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// IsAuthorized reports whether the slave accepted our master identity.
func (c *Connector) IsAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authorized
}

// State derives the slave state for jobs bound to this host, in priority
// order: Offline, Online, WrongMode, WrongProtocolVersion, Paired.
func (c *Connector) State() jobs.SlaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn == nil:
		return jobs.SlaveStateOffline
	case !c.authorized:
		return jobs.SlaveStateOnline
	case c.remoteMode != config.ModeSlave:
		return jobs.SlaveStateWrongMode
	case c.remoteVer[0] != protocol.VersionMajor:
		return jobs.SlaveStateWrongProtocolVersion
	default:
		return jobs.SlaveStatePaired
	}
}

// connect dials the slave and, per the TLS mode, upgrades the connection
// via startTLS. The TLS exchange runs synchronously before the read loop
// starts so no handshake bytes are swallowed.
func (c *Connector) connect(tlsFiles TLSFiles) error {
	addr := net.JoinHostPort(c.key.Host, strconv.Itoa(c.key.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectFail, "connect %s: %v", addr, err)
	}
	reader := bufio.NewReader(conn)

	if c.key.TLSMode != jobs.TLSModeNone {
		upgraded, err := upgradeTLS(conn, reader, c.key.Host, tlsFiles)
		if err != nil {
			if c.key.TLSMode == jobs.TLSModeForce {
				conn.Close()
				return err
			}
			c.logger.Debug("TLS upgrade unavailable, continuing plaintext", zap.Error(err))
		} else {
			conn = upgraded
			reader = bufio.NewReader(conn)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.authorized = false
	c.mu.Unlock()

	go c.readLoop(conn, reader)
	return nil
}

// upgradeTLS performs the in-protocol startTLS exchange on a fresh
// connection and returns the TLS-wrapped connection.
func upgradeTLS(conn net.Conn, reader *bufio.Reader, serverName string, tlsFiles TLSFiles) (net.Conn, error) {
	cmd := protocol.Command{ID: 1, Name: "startTLS"}
	conn.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.Write([]byte(cmd.Format() + "\n")); err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectFail, "startTLS write: %v", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectFail, "startTLS read: %v", err)
	}
	res, err := protocol.ParseResult(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectFail, "startTLS: %v", err)
	}
	if res.Code != protocol.CodeNone {
		return nil, protocol.Errorf(res.Code, "%s", res.Message)
	}
	conn.SetDeadline(time.Time{})

	tlsConf := &tls.Config{ServerName: serverName}
	if tlsFiles.CAFile != "" {
		pem, err := os.ReadFile(tlsFiles.CAFile)
		if err != nil {
			return nil, fmt.Errorf("slave: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("slave: no certificates in CA file %s", tlsFiles.CAFile)
		}
		tlsConf.RootCAs = pool
	} else {
		// Self-signed slave certificates without a configured CA.
		tlsConf.InsecureSkipVerify = true
	}
	if tlsFiles.CertFile != "" && tlsFiles.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsFiles.CertFile, tlsFiles.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("slave: load client certificate: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	tlsConn := tls.Client(conn, tlsConf)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectFail, "TLS handshake: %v", err)
	}
	return tlsConn, nil
}

// authorize fetches the slave's version/mode/session key and presents the
// master identity.
func (c *Connector) authorize(masterName, masterUUID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()

	ver, err := c.Call(ctx, "version", nil)
	if err != nil {
		return err
	}
	var pub *rsa.PublicKey
	if keyB64, ok := ver.Get("publicKey"); ok && keyB64 != "" {
		if der, err := base64.StdEncoding.DecodeString(keyB64); err == nil {
			if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
				pub, _ = parsed.(*rsa.PublicKey)
			}
		}
	}
	fields := ver.Fields()
	major, _ := strconv.Atoi(fields.StringDefault("major", "0"))
	minor, _ := strconv.Atoi(fields.StringDefault("minor", "0"))
	c.mu.Lock()
	c.remoteVer = [2]int{major, minor}
	c.remoteMode = config.Mode(strings.ToUpper(fields.StringDefault("mode", "")))
	c.mu.Unlock()

	args := protocol.Args{"name": masterName}
	if pub != nil {
		encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(masterUUID))
		if err != nil {
			return fmt.Errorf("slave: encrypt master UUID: %w", err)
		}
		args["encryptType"] = "RSA"
		args["encryptedUUID"] = base64.StdEncoding.EncodeToString(encrypted)
	} else {
		args["encryptType"] = "NONE"
		args["encryptedUUID"] = base64.StdEncoding.EncodeToString([]byte(masterUUID))
	}

	if _, err := c.Call(ctx, "authorize", args); err != nil {
		return err
	}
	c.mu.Lock()
	c.authorized = true
	c.mu.Unlock()
	return nil
}

// Call sends one command and waits for its terminal result frame,
// discarding intermediate rows.
func (c *Connector) Call(ctx context.Context, name string, args protocol.Args) (*protocol.Result, error) {
	results, err := c.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return nil, protocol.Errorf(protocol.CodeSlaveDisconnected, "connection closed")
			}
			if !res.Complete {
				continue
			}
			if res.Code != protocol.CodeNone {
				return nil, protocol.Errorf(res.Code, "%s", res.Message)
			}
			return &res, nil
		case <-ctx.Done():
			c.abandon(results)
			return nil, protocol.Errorf(protocol.CodeConnectFail, "timeout waiting for %s", name)
		}
	}
}

// abandon unregisters a command whose caller stopped waiting. Frames are
// delivered under the connector lock, so once the entry is gone no send can
// race with the close.
func (c *Connector) abandon(results <-chan protocol.Result) {
	c.mu.Lock()
	for id, ch := range c.pending {
		if ch == results {
			delete(c.pending, id)
			close(ch)
			break
		}
	}
	c.mu.Unlock()
}

// Execute sends one command and returns a channel streaming its result
// frames. The channel is closed after the terminal frame or on disconnect.
func (c *Connector) Execute(ctx context.Context, name string, args protocol.Args) (<-chan protocol.Result, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeSlaveDisconnected, "not connected")
	}
	id := c.nextID
	c.nextID++
	results := make(chan protocol.Result, 16)
	c.pending[id] = results

	cmd := protocol.Command{ID: id, Name: name, Args: args}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, werr := c.writer.WriteString(cmd.Format() + "\n")
	if werr == nil {
		werr = c.writer.Flush()
	}
	if werr != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		c.Disconnect()
		return nil, protocol.Errorf(protocol.CodeSlaveDisconnected, "write: %v", werr)
	}
	c.mu.Unlock()
	return results, nil
}

// readLoop delivers result frames to their waiters until the connection
// fails or is replaced.
func (c *Connector) readLoop(conn net.Conn, reader *bufio.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		c.mu.Lock()
		stale := c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}

		res, err := protocol.ParseResult(scanner.Text())
		if err != nil {
			c.logger.Warn("malformed result frame", zap.Error(err))
			continue
		}
		c.mu.Lock()
		if ch, ok := c.pending[res.ID]; ok {
			select {
			case ch <- *res:
				if res.Complete {
					delete(c.pending, res.ID)
					close(ch)
				}
			default:
				// Receiver stopped draining; unregister it so one
				// stalled command cannot stall the whole connector.
				delete(c.pending, res.ID)
				close(ch)
			}
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.conn == conn {
		c.teardownLocked()
	}
	c.mu.Unlock()
}

// Disconnect closes the connection and fails all pending commands.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Connector) teardownLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.authorized = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

package httpapi

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/server"
)

// wsHandler upgrades GET /ws and runs a regular protocol session over the
// websocket. One text message carries one protocol line in each direction;
// authorization is the normal authorize command, same as over TCP.
type wsHandler struct {
	srv      *server.Server
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newWSHandler(srv *server.Server, logger *zap.Logger) *wsHandler {
	return &wsHandler{
		srv:    srv,
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The line protocol authorizes per session; origin checks add
			// nothing for non-browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// serve blocks until the session ends, as websocket handlers do.
func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	h.logger.Info("client connected", zap.String("peer", r.RemoteAddr))
	h.srv.ServeConn(newWSConn(ws))
	h.logger.Info("client disconnected", zap.String("peer", r.RemoteAddr))
}

// wsConn adapts a websocket connection to net.Conn so the session reader
// and writer treat it like any TCP client. Each received message is served
// as one newline-terminated line; each Write becomes one text message.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	// Strip the trailing newline; the message framing replaces it.
	msg := p
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                  { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr           { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr          { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

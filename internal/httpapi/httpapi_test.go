package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bard-backup/bard/internal/authz"
	"github.com/bard-backup/bard/internal/config"
	"github.com/bard-backup/bard/internal/jobs"
	"github.com/bard-backup/bard/internal/pause"
	"github.com/bard-backup/bard/internal/protocol"
	"github.com/bard-backup/bard/internal/server"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "bard.conf"))
	srv := server.New(server.Deps{
		Config: store,
		List:   jobs.NewList(),
		Flags:  pause.NewFlags(),
		Fails:  authz.NewFailRegistry(),
	}, zap.NewNop())
	return NewRouter(RouterConfig{Server: srv, Config: store, Logger: zap.NewNop()})
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter(t).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter(t).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

// One websocket text message carries one protocol line in each direction.
func TestWebsocketSession(t *testing.T) {
	ts := httptest.NewServer(testRouter(t))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("1 version")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	line := strings.TrimSuffix(string(data), "\n")
	assert.True(t, strings.HasPrefix(line, "1 1 0 "), "terminal OK result, got %q", line)
	assert.Contains(t, line, "major="+strconv.Itoa(protocol.VersionMajor))
}

func TestWebsocketRejectsPlainGet(t *testing.T) {
	ts := httptest.NewServer(testRouter(t))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

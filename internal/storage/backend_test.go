package storage

import (
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localTestBackend(t *testing.T) Backend {
	t.Helper()
	b, err := Connect(Specifier{Kind: KindFile}, Credentials{})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := localTestBackend(t)

	name := filepath.Join(dir, "sub", "a.bar")
	w, err := b.Create(ctx, name)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	e, err := b.Stat(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "a.bar", e.Name)
	assert.Equal(t, int64(7), e.Size)
	assert.True(t, Exists(ctx, b, name))

	r, err := b.Open(ctx, name)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, b.Delete(ctx, name))
	assert.False(t, Exists(ctx, b, name))
	require.NoError(t, b.Delete(ctx, name), "missing file deletes cleanly")
}

func TestLocalBackendListSkipsDirs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bar"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bar"), []byte("xy"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	b := localTestBackend(t)
	entries, err := b.List(ctx, dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.bar", entries[0].Name)
	assert.Equal(t, "b.bar", entries[1].Name)
}

func TestCopyBetweenBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := localTestBackend(t)

	payload := make([]byte, 300*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	src := filepath.Join(dir, "src.bar")
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	var lastDone int64
	dst := filepath.Join(dir, "moved", "dst.bar")
	n, err := Copy(ctx, b, b, dst, src, func(done int64) { lastDone = done })
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, int64(len(payload)), lastDone)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCopyInterruptedRemovesDestination(t *testing.T) {
	dir := t.TempDir()
	b := localTestBackend(t)
	src := filepath.Join(dir, "src.bar")
	require.NoError(t, os.WriteFile(src, make([]byte, 1024), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := filepath.Join(dir, "dst.bar")
	_, err := Copy(ctx, b, b, dst, src, nil)
	require.Error(t, err)
	assert.False(t, Exists(context.Background(), b, dst))
}

func TestConnectUnsupportedKind(t *testing.T) {
	_, err := Connect(Specifier{Kind: KindFTP, Host: "h"}, Credentials{})
	assert.Error(t, err)
}

func TestIsArchiveName(t *testing.T) {
	assert.True(t, IsArchiveName("home-001.bar"))
	assert.False(t, IsArchiveName("home-001.txt"))
}

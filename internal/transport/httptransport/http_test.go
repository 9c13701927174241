package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/health"
	"github.com/nexus-dbg/mcp-server/internal/mcp/dispatcher"
	"github.com/nexus-dbg/mcp-server/internal/mcp/jsonrpc"
	"github.com/nexus-dbg/mcp-server/internal/mcp/resources"
	"github.com/nexus-dbg/mcp-server/internal/session/manager"
	"github.com/nexus-dbg/mcp-server/internal/session/queue"
)

func fakeDebugger(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cdb.sh")
	script := "#!/bin/bash\necho \"0:000> \"\nwhile IFS= read -r line; do\n  if [[ \"$line\" == \"q\" ]]; then exit 0; fi\n  if [[ \"$line\" == .echo\\ * ]]; then echo \"${line#.echo }\"; continue; fi\n  echo \"content for: $line\"\ndone\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testDispatcher(t *testing.T) *dispatcher.Dispatcher {
	cfg := manager.Config{
		MaxConcurrentSessions: 4,
		IdleTimeout:           time.Hour,
		CleanupInterval:       time.Minute,
		BinaryPath:            fakeDebugger(t),
		CommandTimeout:        2 * time.Second,
		StartupTimeout:        2 * time.Second,
		OutputReadTimeout:     2 * time.Second,
		DisposalTimeout:       500 * time.Millisecond,
		Queue:                 queue.Config{MaxRetained: 100, RetentionPeriod: time.Minute},
	}
	mgr := manager.New(cfg, nil, zap.NewNop())
	t.Cleanup(mgr.Shutdown)
	return dispatcher.New(mgr, resources.New(mgr, health.NewReader(mgr, time.Now())), "test", zap.NewNop())
}

func TestServer_RejectsWrongContentType(t *testing.T) {
	srv := NewServer(DefaultConfig(), testDispatcher(t), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HandlesInitialize(t *testing.T) {
	srv := NewServer(DefaultConfig(), testDispatcher(t), zap.NewNop())

	body, err := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage("1"), Method: "initialize"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := NewServer(DefaultConfig(), testDispatcher(t), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, testDispatcher(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

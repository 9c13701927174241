package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/nexus-dbg/mcp-server/internal/mcp/notify"
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

func testDispatcher(t *testing.T, bus *notify.Bus) *dispatcher.Dispatcher {
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
	mgr := manager.New(cfg, bus, zap.NewNop())
	t.Cleanup(mgr.Shutdown)
	return dispatcher.New(mgr, resources.New(mgr, health.NewReader(mgr, time.Now())), "test", zap.NewNop())
}

func TestServer_HandlesRequestLine(t *testing.T) {
	reqBody, err := json.Marshal(jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage("1"), Method: "initialize"})
	require.NoError(t, err)

	in := bytes.NewBufferString(string(reqBody) + "\n")
	var out bytes.Buffer
	srv := New(in, &out, testDispatcher(t, nil), zap.NewNop())

	require.NoError(t, srv.Run(context.Background()))

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Nil(t, resp.Error)
}

func TestServer_ParseErrorOnMalformedLine(t *testing.T) {
	in := bytes.NewBufferString("not json\n")
	var out bytes.Buffer
	srv := New(in, &out, testDispatcher(t, nil), zap.NewNop())

	require.NoError(t, srv.Run(context.Background()))

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)
}

func TestServer_SkipsBlankLines(t *testing.T) {
	in := bytes.NewBufferString("\n\n")
	var out bytes.Buffer
	srv := New(in, &out, testDispatcher(t, nil), zap.NewNop())

	require.NoError(t, srv.Run(context.Background()))
	assert.Empty(t, out.String())
}

func TestServer_ForwardsNotifications(t *testing.T) {
	bus := notify.NewBus(zap.NewNop())
	var out bytes.Buffer
	srv := New(bytes.NewBufferString(""), &out, testDispatcher(t, bus), zap.NewNop())
	srv.SubscribeNotifications(bus)

	bus.Publish(notify.Notification{Method: notify.MethodSessionEvent, Params: notify.SessionEventParams{SessionID: "sess-1", Event: "created"}})

	scanner := bufio.NewScanner(&out)
	require.True(t, scanner.Scan())

	var env struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
	assert.Equal(t, notify.MethodSessionEvent, env.Method)
}

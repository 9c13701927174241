package dispatcher

import (
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
	"github.com/nexus-dbg/mcp-server/internal/mcp/jsonrpc"
	"github.com/nexus-dbg/mcp-server/internal/mcp/resources"
	"github.com/nexus-dbg/mcp-server/internal/mcp/tools"
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

func testDispatcher(t *testing.T, maxSessions int) *Dispatcher {
	cfg := manager.Config{
		MaxConcurrentSessions: maxSessions,
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
	return New(mgr, resources.New(mgr, health.NewReader(mgr, time.Now())), "test", zap.NewNop())
}

func dumpFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("dump"), 0o644))
	return path
}

func rawID(n int) jsonrpc.ID {
	b, _ := json.Marshal(n)
	return b
}

func TestDispatcher_Initialize(t *testing.T) {
	d := testDispatcher(t, 4)
	resp := d.Handle(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: "initialize"})
	require.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestDispatcher_ToolsList(t *testing.T) {
	d := testDispatcher(t, 4)
	resp := d.Handle(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: "tools/list"})
	require.Nil(t, resp.Error)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := testDispatcher(t, 4)
	resp := d.Handle(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: "not/a/method"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func callTool(t *testing.T, d *Dispatcher, name string, args any) jsonrpc.Response {
	t.Helper()
	argBytes, err := json.Marshal(args)
	require.NoError(t, err)
	params, err := json.Marshal(toolCallParams{Name: name, Arguments: argBytes})
	require.NoError(t, err)
	return d.Handle(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: "tools/call", Params: params})
}

func TestDispatcher_OpenCommandStatusClose(t *testing.T) {
	d := testDispatcher(t, 4)

	openResp := callTool(t, d, tools.NameOpenSession, tools.OpenSessionArgs{DumpPath: dumpFile(t, "a.dmp")})
	require.Nil(t, openResp.Error)
	var openResult tools.OpenSessionResult
	require.NoError(t, json.Unmarshal(mustMarshal(t, openResp.Result), &openResult))
	assert.NotEmpty(t, openResult.SessionID)

	cmdResp := callTool(t, d, tools.NameAsyncCommand, tools.AsyncCommandArgs{SessionID: openResult.SessionID, Command: "k"})
	require.Nil(t, cmdResp.Error)
	var cmdResult tools.AsyncCommandResult
	require.NoError(t, json.Unmarshal(mustMarshal(t, cmdResp.Result), &cmdResult))

	var statusResult tools.CommandStatusResult
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statusResp := callTool(t, d, tools.NameCommandStatus, tools.CommandStatusArgs{CommandID: cmdResult.CommandID})
		require.Nil(t, statusResp.Error)
		require.NoError(t, json.Unmarshal(mustMarshal(t, statusResp.Result), &statusResult))
		if statusResult.Status == string(queue.Completed) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "content for: k", statusResult.Result)

	closeResp := callTool(t, d, tools.NameCloseSession, tools.CloseSessionArgs{SessionID: openResult.SessionID})
	require.Nil(t, closeResp.Error)
	var closeResult tools.CloseSessionResult
	require.NoError(t, json.Unmarshal(mustMarshal(t, closeResp.Result), &closeResult))
	assert.True(t, closeResult.Closed)
}

func TestDispatcher_CommandStatusNeedsOnlyCommandID(t *testing.T) {
	d := testDispatcher(t, 4)

	openResp := callTool(t, d, tools.NameOpenSession, tools.OpenSessionArgs{DumpPath: dumpFile(t, "a.dmp")})
	require.Nil(t, openResp.Error)
	var openResult tools.OpenSessionResult
	require.NoError(t, json.Unmarshal(mustMarshal(t, openResp.Result), &openResult))

	cmdResp := callTool(t, d, tools.NameAsyncCommand, tools.AsyncCommandArgs{SessionID: openResult.SessionID, Command: "k"})
	require.Nil(t, cmdResp.Error)
	var cmdResult tools.AsyncCommandResult
	require.NoError(t, json.Unmarshal(mustMarshal(t, cmdResp.Result), &cmdResult))

	// A spec-conformant client polls with commandId alone; no sessionId field
	// exists on CommandStatusArgs at all.
	statusResp := callTool(t, d, tools.NameCommandStatus, tools.CommandStatusArgs{CommandID: cmdResult.CommandID})
	require.Nil(t, statusResp.Error)
}

func TestDispatcher_CommandStatusMalformedCommandID(t *testing.T) {
	d := testDispatcher(t, 4)
	resp := callTool(t, d, tools.NameCommandStatus, tools.CommandStatusArgs{CommandID: "not-a-command-id"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestDispatcher_CommandAgainstUnknownSession(t *testing.T) {
	d := testDispatcher(t, 4)
	resp := callTool(t, d, tools.NameAsyncCommand, tools.AsyncCommandArgs{SessionID: "sess-nope", Command: "k"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeSessionNotFound, resp.Error.Code)
}

func TestDispatcher_CapacityExceeded(t *testing.T) {
	d := testDispatcher(t, 1)

	resp := callTool(t, d, tools.NameOpenSession, tools.OpenSessionArgs{DumpPath: dumpFile(t, "a.dmp")})
	require.Nil(t, resp.Error)

	resp2 := callTool(t, d, tools.NameOpenSession, tools.OpenSessionArgs{DumpPath: dumpFile(t, "b.dmp")})
	require.NotNil(t, resp2.Error)
	assert.Equal(t, jsonrpc.CodeCapacityExceeded, resp2.Error.Code)
}

func TestDispatcher_ResourcesListAndRead(t *testing.T) {
	d := testDispatcher(t, 4)

	listResp := d.Handle(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: "resources/list"})
	require.Nil(t, listResp.Error)

	params, err := json.Marshal(resourcesReadParams{URI: "debugging://sessions/active"})
	require.NoError(t, err)
	readResp := d.Handle(context.Background(), jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: "resources/read", Params: params})
	require.Nil(t, readResp.Error)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

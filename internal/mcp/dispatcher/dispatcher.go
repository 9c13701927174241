// Package dispatcher routes decoded JSON-RPC requests to the MCP method
// handlers (spec.md §6): initialize, tools/list, tools/call,
// resources/list, resources/read. It owns the mapping from domain errors
// to JSON-RPC error codes (spec.md §7) and decodes every tool's arguments
// strictly via pkg/jsonx, rejecting unknown fields instead of the
// "dynamic JsonElement extraction" the spec explicitly steers away from.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/debugger/driver"
	"github.com/nexus-dbg/mcp-server/internal/mcp/jsonrpc"
	"github.com/nexus-dbg/mcp-server/internal/mcp/resources"
	"github.com/nexus-dbg/mcp-server/internal/mcp/tools"
	"github.com/nexus-dbg/mcp-server/internal/session"
	"github.com/nexus-dbg/mcp-server/internal/session/manager"
	"github.com/nexus-dbg/mcp-server/internal/session/queue"
	"github.com/nexus-dbg/mcp-server/pkg/jsonx"
)

const (
	methodInitialize    = "initialize"
	methodToolsList     = "tools/list"
	methodToolsCall     = "tools/call"
	methodResourcesList = "resources/list"
	methodResourcesRead = "resources/read"
)

const serverName = "nexus-dbg-mcp"

// Dispatcher routes requests against a live session Manager and resource
// Registry.
type Dispatcher struct {
	mgr     *manager.Manager
	res     *resources.Registry
	log     *zap.Logger
	version string
}

func New(mgr *manager.Manager, res *resources.Registry, version string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{mgr: mgr, res: res, version: version, log: log.Named("dispatcher")}
}

// Handle processes one decoded request and returns the Response to send.
// The caller is responsible for not sending anything back for
// notifications (req.IsNotification()); Handle still computes a Response
// in that case for uniformity, but transports should discard it.
func (d *Dispatcher) Handle(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	switch req.Method {
	case methodInitialize:
		return d.handleInitialize(req)
	case methodToolsList:
		return d.handleToolsList(req)
	case methodToolsCall:
		return d.handleToolsCall(ctx, req)
	case methodResourcesList:
		return d.handleResourcesList(req)
	case methodResourcesRead:
		return d.handleResourcesRead(req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools     struct{} `json:"tools"`
	Resources struct{} `json:"resources"`
}

func (d *Dispatcher) handleInitialize(req jsonrpc.Request) jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: serverName, Version: d.version},
	})
}

type toolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (d *Dispatcher) handleToolsList(req jsonrpc.Request) jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, struct {
		Tools []toolDescriptor `json:"tools"`
	}{
		Tools: []toolDescriptor{
			{Name: tools.NameOpenSession, Description: "Open a debugging session against a crash dump"},
			{Name: tools.NameAsyncCommand, Description: "Queue a CDB/WinDbg command for asynchronous execution"},
			{Name: tools.NameCommandStatus, Description: "Poll the status/result of a previously queued command"},
			{Name: tools.NameCloseSession, Description: "Close a debugging session and release its resources"},
		},
	})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	var params toolCallParams
	if err := jsonx.ParseJSONObject(bytes.NewReader(req.Params), &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid tools/call params: "+err.Error(), nil)
	}

	switch params.Name {
	case tools.NameOpenSession:
		return d.callOpenSession(ctx, req.ID, params.Arguments)
	case tools.NameAsyncCommand:
		return d.callAsyncCommand(req.ID, params.Arguments)
	case tools.NameCommandStatus:
		return d.callCommandStatus(req.ID, params.Arguments)
	case tools.NameCloseSession:
		return d.callCloseSession(req.ID, params.Arguments)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "unknown tool: "+params.Name, nil)
	}
}

func (d *Dispatcher) callOpenSession(ctx context.Context, id jsonrpc.ID, raw json.RawMessage) jsonrpc.Response {
	var args tools.OpenSessionArgs
	if err := jsonx.ParseJSONObject(bytes.NewReader(raw), &args); err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}
	if args.DumpPath == "" {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "dumpPath is required", nil)
	}

	sess, err := d.mgr.Create(ctx, args.DumpPath, args.SymbolsPath)
	if err != nil {
		return d.mapError(id, err)
	}
	return jsonrpc.NewResult(id, tools.OpenSessionResult{SessionID: sess.ID, Status: sess.Status().String()})
}

func (d *Dispatcher) callAsyncCommand(id jsonrpc.ID, raw json.RawMessage) jsonrpc.Response {
	var args tools.AsyncCommandArgs
	if err := jsonx.ParseJSONObject(bytes.NewReader(raw), &args); err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}

	sess, ok := d.mgr.Get(args.SessionID)
	if !ok {
		return jsonrpc.NewError(id, jsonrpc.CodeSessionNotFound, "session not found: "+args.SessionID, nil)
	}

	cmdID, err := sess.EnqueueCommand(args.Command)
	if err != nil {
		return d.mapError(id, err)
	}
	return jsonrpc.NewResult(id, tools.AsyncCommandResult{CommandID: cmdID, Status: string(queue.Queued)})
}

func (d *Dispatcher) callCommandStatus(id jsonrpc.ID, raw json.RawMessage) jsonrpc.Response {
	var args tools.CommandStatusArgs
	if err := jsonx.ParseJSONObject(bytes.NewReader(raw), &args); err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}

	sessionID, ok := queue.ParseSessionID(args.CommandID)
	if !ok {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "malformed commandId: "+args.CommandID, nil)
	}
	sess, ok := d.mgr.Get(sessionID)
	if !ok {
		return jsonrpc.NewError(id, jsonrpc.CodeSessionNotFound, "session not found: "+sessionID, nil)
	}

	snap, err := sess.CommandStatus(args.CommandID)
	if err != nil {
		return d.mapError(id, err)
	}

	result := tools.CommandStatusResult{CommandID: snap.ID, Status: string(snap.State)}
	if snap.State == queue.Completed {
		result.Result = snap.ResultText
	}
	if snap.State.IsTerminal() && snap.State != queue.Completed {
		result.Error = snap.ErrorKind
	}
	return jsonrpc.NewResult(id, result)
}

func (d *Dispatcher) callCloseSession(id jsonrpc.ID, raw json.RawMessage) jsonrpc.Response {
	var args tools.CloseSessionArgs
	if err := jsonx.ParseJSONObject(bytes.NewReader(raw), &args); err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "invalid arguments: "+err.Error(), nil)
	}

	closed := d.mgr.Close(args.SessionID, "explicit-close")
	return jsonrpc.NewResult(id, tools.CloseSessionResult{SessionID: args.SessionID, Closed: closed})
}

func (d *Dispatcher) handleResourcesList(req jsonrpc.Request) jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, struct {
		Resources []resources.Descriptor `json:"resources"`
	}{Resources: d.res.List()})
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (d *Dispatcher) handleResourcesRead(req jsonrpc.Request) jsonrpc.Response {
	var params resourcesReadParams
	if err := jsonx.ParseJSONObject(bytes.NewReader(req.Params), &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid resources/read params: "+err.Error(), nil)
	}

	content, err := d.res.Read(params.URI)
	if err != nil {
		return d.mapError(req.ID, err)
	}
	return jsonrpc.NewResult(req.ID, struct {
		Contents any `json:"contents"`
	}{Contents: content})
}

// mapError maps a domain sentinel error to its JSON-RPC error code
// (spec.md §7). Anything unrecognized becomes CodeInternalError.
func (d *Dispatcher) mapError(id jsonrpc.ID, err error) jsonrpc.Response {
	switch {
	case errors.Is(err, manager.ErrCapacity):
		return jsonrpc.NewError(id, jsonrpc.CodeCapacityExceeded, err.Error(), nil)
	case errors.Is(err, manager.ErrBreakerOpen):
		return jsonrpc.NewError(id, jsonrpc.CodeDebuggerFailure, err.Error(), nil)
	case errors.Is(err, manager.ErrInvalidArgument):
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, err.Error(), nil)
	case errors.Is(err, resources.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		return jsonrpc.NewError(id, jsonrpc.CodeCommandNotFound, err.Error(), nil)
	case errors.Is(err, queue.ErrInvalidArgument):
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, err.Error(), nil)
	case errors.Is(err, session.ErrDisposed):
		return jsonrpc.NewError(id, jsonrpc.CodeSessionDisposed, err.Error(), nil)
	case errors.Is(err, driver.ErrStartupFailed), errors.Is(err, driver.ErrStartupTimeout), errors.Is(err, driver.ErrConfigInvalid):
		return jsonrpc.NewError(id, jsonrpc.CodeDebuggerFailure, err.Error(), nil)
	default:
		d.log.Error("unclassified dispatcher error", zap.Error(err))
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "internal error", nil)
	}
}

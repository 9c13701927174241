// Package tools defines the typed argument and result records for the
// four MCP tools this server exposes (spec.md §6). Argument types replace
// dynamic JSON-element extraction with strict, schema-tagged structs
// decoded via pkg/jsonx.ParseJSONObject (unknown fields rejected).
package tools

// Names of the four tools this server registers (spec.md §6).
const (
	NameOpenSession   = "nexus_open_dump_analyze_session"
	NameAsyncCommand  = "nexus_dump_analyze_session_async_command"
	NameCommandStatus = "nexus_dump_analyze_session_async_command_status"
	NameCloseSession  = "nexus_close_dump_analyze_session"
)

// OpenSessionArgs is the argument record for NameOpenSession.
type OpenSessionArgs struct {
	DumpPath    string `json:"dumpPath" jsonschema:"absolute path to the crash dump file to load"`
	SymbolsPath string `json:"symbolsPath,omitempty" jsonschema:"optional path to an existing symbols directory"`
}

// OpenSessionResult is the result record for NameOpenSession.
type OpenSessionResult struct {
	SessionID string `json:"sessionId" jsonschema:"id of the newly created debugging session"`
	Status    string `json:"status" jsonschema:"lifecycle status of the new session"`
}

// AsyncCommandArgs is the argument record for NameAsyncCommand.
type AsyncCommandArgs struct {
	SessionID string `json:"sessionId" jsonschema:"id of an open debugging session"`
	Command   string `json:"command" jsonschema:"a raw CDB/WinDbg command, e.g. !analyze -v"`
}

// AsyncCommandResult is the result record for NameAsyncCommand.
type AsyncCommandResult struct {
	CommandID string `json:"commandId" jsonschema:"id of the queued command; poll with nexus_dump_analyze_session_async_command_status"`
	Status    string `json:"status" jsonschema:"initial status, always Queued"`
}

// CommandStatusArgs is the argument record for NameCommandStatus. The owning
// session is resolved from the command id itself (cmd-<session_id>-NNNN), so
// callers need only track the command id returned by NameAsyncCommand.
type CommandStatusArgs struct {
	CommandID string `json:"commandId" jsonschema:"id previously returned by nexus_dump_analyze_session_async_command"`
}

// CommandStatusResult is the result record for NameCommandStatus.
type CommandStatusResult struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status" jsonschema:"Queued, Executing, Completed, Failed, Cancelled, or TimedOut"`
	Result    string `json:"result,omitempty" jsonschema:"command output, present only once Completed"`
	Error     string `json:"error,omitempty" jsonschema:"failure reason, present only for Failed/Cancelled/TimedOut"`
}

// CloseSessionArgs is the argument record for NameCloseSession.
type CloseSessionArgs struct {
	SessionID string `json:"sessionId" jsonschema:"id of the session to close"`
}

// CloseSessionResult is the result record for NameCloseSession.
type CloseSessionResult struct {
	SessionID string `json:"sessionId"`
	Closed    bool   `json:"closed"`
}

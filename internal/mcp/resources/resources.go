// Package resources implements the MCP resources/list and resources/read
// surface (spec.md §6): read-only views over session and command state,
// plus two static documentation resources.
package resources

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nexus-dbg/mcp-server/internal/health"
	"github.com/nexus-dbg/mcp-server/internal/mcp/tools"
	"github.com/nexus-dbg/mcp-server/internal/session"
	"github.com/nexus-dbg/mcp-server/internal/session/manager"
)

// ErrNotFound is returned by Read when uri names a session/command that
// does not exist, or an unrecognized URI shape.
var ErrNotFound = errors.New("resource not found")

const (
	uriActiveSessions  = "debugging://sessions/active"
	uriSessionPrefix   = "debugging://sessions/"
	uriDumpInfoSuffix  = "/dump-info"
	uriHistoryPrefix   = "debugging://commands/history/"
	uriWorkflowsDoc    = "debugging://docs/debugging-workflows"
	uriTroubleshootDoc = "debugging://docs/troubleshooting"
	uriHealth          = "debugging://health"
)

// Descriptor is one entry in resources/list (spec.md §6).
type Descriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mimeType"`
}

// Registry serves resources/list and resources/read against a live
// Manager.
type Registry struct {
	mgr    *manager.Manager
	health *health.Reader
}

func New(mgr *manager.Manager, reader *health.Reader) *Registry {
	return &Registry{mgr: mgr, health: reader}
}

// List returns the static catalog of resources. debugging://sessions/{id}
// and debugging://sessions/{id}/dump-info and
// debugging://commands/history/{id} are per-session and are not
// enumerated here individually — only the fixed entry points are listed,
// matching spec.md §6's resource catalog shape.
func (r *Registry) List() []Descriptor {
	return []Descriptor{
		{URI: uriActiveSessions, Name: "Active sessions", Description: "All currently open debugging sessions", MIMEType: "application/json"},
		{URI: uriWorkflowsDoc, Name: "Debugging workflows", Description: "Common CDB/WinDbg command sequences for crash analysis", MIMEType: "text/markdown"},
		{URI: uriTroubleshootDoc, Name: "Troubleshooting", Description: "Guidance for common debugger and session failures", MIMEType: "text/markdown"},
		{URI: uriHealth, Name: "Health", Description: "Process uptime and session counts by state", MIMEType: "application/json"},
	}
}

// Read resolves uri against live session/command state. Returns
// ErrNotFound if uri is unrecognized or names a session/command that no
// longer exists.
func (r *Registry) Read(uri string) (any, error) {
	switch {
	case uri == uriActiveSessions:
		return r.activeSessions(), nil
	case uri == uriWorkflowsDoc:
		return debuggingWorkflowsDoc, nil
	case uri == uriTroubleshootDoc:
		return troubleshootingDoc, nil
	case uri == uriHealth:
		return r.health.Read(), nil
	case strings.HasPrefix(uri, uriHistoryPrefix):
		id := strings.TrimPrefix(uri, uriHistoryPrefix)
		return r.commandHistory(id)
	case strings.HasPrefix(uri, uriSessionPrefix) && strings.HasSuffix(uri, uriDumpInfoSuffix):
		id := strings.TrimSuffix(strings.TrimPrefix(uri, uriSessionPrefix), uriDumpInfoSuffix)
		return r.dumpInfo(id)
	case strings.HasPrefix(uri, uriSessionPrefix):
		id := strings.TrimPrefix(uri, uriSessionPrefix)
		return r.sessionDetail(id)
	default:
		return nil, ErrNotFound
	}
}

// sessionSummary is the shape returned for one session in the active-list
// and single-session views.
type sessionSummary struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	DumpPath     string `json:"dumpPath"`
	CreatedAt    string `json:"createdAt"`
	LastActivity string `json:"lastActivity"`
}

func summarize(s *session.Session) sessionSummary {
	return sessionSummary{
		SessionID:    s.ID,
		Status:       s.Status().String(),
		DumpPath:     s.DumpPath,
		CreatedAt:    s.CreatedAt.Format(timeLayout),
		LastActivity: s.LastActivity().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (r *Registry) activeSessions() []sessionSummary {
	sessions := r.mgr.ListActive()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	return out
}

func (r *Registry) sessionDetail(id string) (sessionSummary, error) {
	s, ok := r.mgr.Get(id)
	if !ok {
		return sessionSummary{}, ErrNotFound
	}
	return summarize(s), nil
}

func (r *Registry) dumpInfo(id string) (session.DumpInfo, error) {
	s, ok := r.mgr.Get(id)
	if !ok {
		return session.DumpInfo{}, ErrNotFound
	}
	return s.DumpInfo(), nil
}

func (r *Registry) commandHistory(id string) (any, error) {
	s, ok := r.mgr.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.CommandHistory(), nil
}

var debuggingWorkflowsDoc = fmt.Sprintf(`# Debugging workflows

Typical sequence after %s:

1. '!analyze -v' — automated crash analysis, the usual starting point.
2. '.ecxr' — switch to the exception context record after !analyze.
3. 'k' or 'kb' — stack trace of the current thread.
4. '~*k' — stack traces of every thread, useful for deadlock hunts.
5. '!locks' — outstanding critical sections, when a hang is suspected.
6. 'lm' — loaded module list, to check symbol/module version mismatches.
`, "`"+tools.NameOpenSession+"`")

var troubleshootingDoc = `# Troubleshooting

- "symbols not loaded": pass symbolsPath when opening the session, or set
  _NT_SYMBOL_PATH in the server's environment before startup.
- A command never completes: it will surface as TimedOut once
  command_timeout elapses; the session remains usable for further
  commands afterward.
- "session not found": the session previously expired from inactivity, or
  was already closed; open a new one.
`

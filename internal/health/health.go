// Package health exposes a pure-function snapshot of process-wide state
// (spec.md DESIGN NOTES §9): session counts and uptime, read from an
// injected Reader rather than a global singleton.
package health

import (
	"time"

	"github.com/nexus-dbg/mcp-server/internal/session"
	"github.com/nexus-dbg/mcp-server/internal/session/manager"
)

// Snapshot is the point-in-time health surface served at
// debugging://health.
type Snapshot struct {
	UptimeSeconds   float64        `json:"uptimeSeconds"`
	TotalSessions   int            `json:"totalSessions"`
	ActiveSessions  int            `json:"activeSessions"`
	SessionsByState map[string]int `json:"sessionsByState"`
}

// Reader produces a Snapshot on demand. It holds no state of its own
// beyond the start time and a reference to the live Manager, so it can be
// constructed once at startup and called concurrently.
type Reader struct {
	mgr       *manager.Manager
	startedAt time.Time
}

func NewReader(mgr *manager.Manager, startedAt time.Time) *Reader {
	return &Reader{mgr: mgr, startedAt: startedAt}
}

func (r *Reader) Read() Snapshot {
	sessions := r.mgr.ListActive()
	byState := make(map[string]int, 4)
	active := 0
	for _, s := range sessions {
		st := s.Status()
		byState[st.String()]++
		if st == session.Active {
			active++
		}
	}
	return Snapshot{
		UptimeSeconds:   time.Since(r.startedAt).Seconds(),
		TotalSessions:   len(sessions),
		ActiveSessions:  active,
		SessionsByState: byState,
	}
}

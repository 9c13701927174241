// Package session implements the Session record and its lifecycle state
// machine (spec.md §3, §4.D): a Session binds exactly one Driver and one
// Queue, tracks activity for idle-expiry, and disposes of both
// idempotently.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/debugger/driver"
	"github.com/nexus-dbg/mcp-server/internal/mcp/notify"
	"github.com/nexus-dbg/mcp-server/internal/session/queue"
)

// Status is a Session's lifecycle position (spec.md §3).
type Status int32

const (
	Initializing Status = iota
	Active
	Disposing
	Disposed
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Active:
		return "Active"
	case Disposing:
		return "Disposing"
	case Disposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// ErrDisposed is returned by operations attempted on a disposed Session.
var ErrDisposed = errors.New("session disposed")

// Session binds one debugger Driver to one command Queue and carries the
// metadata the manager needs for idle-expiry and listing (spec.md §3).
type Session struct {
	ID          string
	DumpPath    string
	SymbolsPath string
	CreatedAt   time.Time

	driver *driver.Driver
	queue  *queue.Queue
	bus    *notify.Bus
	log    *zap.Logger

	status       atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	disposeOnce sync.Once
	disposeErr  error
}

// New constructs a Session around an already-configured Driver. The
// Session does not start the Driver itself — callers call Start, which
// also spins up the command Queue bound to it.
func New(id, dumpPath, symbolsPath string, d *driver.Driver, qcfg queue.Config, bus *notify.Bus, log *zap.Logger) *Session {
	s := &Session{
		ID:          id,
		DumpPath:    dumpPath,
		SymbolsPath: symbolsPath,
		CreatedAt:   time.Now(),
		driver:      d,
		bus:         bus,
		log:         log.Named("session").With(zap.String("session_id", id)),
	}
	s.status.Store(int32(Initializing))
	s.touch()
	s.queue = queue.New(id, d, bus, qcfg, log)
	return s
}

// Start boots the underlying debugger process. On success the Session
// transitions to Active; on failure it transitions directly to Disposed
// and the queue is torn down.
func (s *Session) Start(ctx context.Context) error {
	if err := s.driver.Start(ctx); err != nil {
		s.status.Store(int32(Disposed))
		s.queue.Stop()
		return err
	}
	s.status.Store(int32(Active))
	s.publishEvent("created")
	return nil
}

// Status returns the Session's current lifecycle position.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// LastActivity returns the timestamp of the most recent command submitted
// to this Session (spec.md §4.D idle-expiry input).
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// EnqueueCommand appends rawText to this Session's Queue, touching its
// activity clock. Returns ErrDisposed if the Session is not Active.
func (s *Session) EnqueueCommand(rawText string) (string, error) {
	if s.Status() != Active {
		return "", ErrDisposed
	}
	id, err := s.queue.Enqueue(rawText)
	if err != nil {
		return "", err
	}
	s.touch()
	return id, nil
}

// CommandStatus proxies to the Queue's Status lookup.
func (s *Session) CommandStatus(commandID string) (queue.Snapshot, error) {
	return s.queue.Status(commandID)
}

// CancelCommand proxies to the Queue's Cancel.
func (s *Session) CancelCommand(commandID string) (bool, error) {
	return s.queue.Cancel(commandID)
}

// CommandHistory returns every retained command for this Session.
func (s *Session) CommandHistory() []queue.Snapshot {
	return s.queue.Snapshot()
}

// DumpInfo summarizes the Session's bound dump/symbols for the
// debugging://sessions/{id}/dump-info resource (spec.md §6).
type DumpInfo struct {
	SessionID   string    `json:"sessionId"`
	DumpPath    string    `json:"dumpPath"`
	SymbolsPath string    `json:"symbolsPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      string    `json:"status"`
}

func (s *Session) DumpInfo() DumpInfo {
	return DumpInfo{
		SessionID:   s.ID,
		DumpPath:    s.DumpPath,
		SymbolsPath: s.SymbolsPath,
		CreatedAt:   s.CreatedAt,
		Status:      s.Status().String(),
	}
}

// Dispose tears the Session down: cancels every outstanding command,
// stops the Queue's executor, and stops the Driver's process. Safe to
// call more than once and from more than one goroutine; all but the
// first call block until the first completes and return its result.
func (s *Session) Dispose(reason string) error {
	s.disposeOnce.Do(func() {
		s.status.Store(int32(Disposing))
		s.queue.CancelAll(reason)
		s.queue.Stop()
		s.driver.Stop()
		select {
		case <-s.driver.Done():
		case <-time.After(30 * time.Second):
			s.log.Warn("driver did not report done within grace period during dispose")
		}
		s.status.Store(int32(Disposed))
		if reason == "idle-expired" {
			s.publishEvent("expired")
		}
		s.publishEvent("closed")
	})
	return s.disposeErr
}

func (s *Session) publishEvent(event string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(notify.Notification{
		Method: notify.MethodSessionEvent,
		Params: notify.SessionEventParams{
			SessionID: s.ID,
			Event:     event,
		},
	})
}

//go:build linux

// Package manager implements the session table (spec.md §4.D): a
// capacity-capped collection of Sessions, session id issuance, and a
// background sweep that idle-expires sessions whose last activity is
// older than the configured timeout.
//
// Adapted from edirooss-zmux-server's
// internal/infrastructure/processmgr.ProcessManager2: that type gated
// process launch on dual preflight/onflight slot pools and used a
// min-heap scheduler to drive restart timing from a single event loop.
// Here there is only one resource to gate (concurrent debugger sessions,
// spec.md §5 max_concurrent_sessions) and the heap schedules idle-expiry
// checks instead of restarts.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-dbg/mcp-server/internal/debugger/driver"
	"github.com/nexus-dbg/mcp-server/internal/health/breaker"
	"github.com/nexus-dbg/mcp-server/internal/mcp/notify"
	"github.com/nexus-dbg/mcp-server/internal/session"
	"github.com/nexus-dbg/mcp-server/internal/session/queue"
)

// ErrCapacity is returned by Create when the session table is already at
// max_concurrent_sessions (spec.md §4.D, §7).
var ErrCapacity = errors.New("session table at capacity")

// ErrBreakerOpen is returned by Create when repeated startup failures
// against BinaryPath have tripped the startup circuit breaker.
var ErrBreakerOpen = errors.New("debugger startup circuit breaker open")

// ErrInvalidArgument is returned by Create when dumpPath does not exist as
// a file, or symbolsPath is given but does not exist as a directory
// (spec.md §3, §6).
var ErrInvalidArgument = errors.New("invalid argument")

// Config bounds the Manager's capacity and idle-expiry behavior.
type Config struct {
	MaxConcurrentSessions int
	IdleTimeout           time.Duration
	CleanupInterval       time.Duration

	BinaryPath        string
	CommandTimeout    time.Duration
	StartupTimeout    time.Duration
	StartupDelay      time.Duration
	OutputReadTimeout time.Duration
	DisposalTimeout   time.Duration

	// BreakerFailureThreshold is the number of consecutive startup
	// failures that trip the breaker; zero disables it.
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	Queue queue.Config
}

// Manager owns every live Session in the process (spec.md §4.D).
type Manager struct {
	cfg Config
	bus *notify.Bus
	log *zap.Logger

	slots   *slotPool
	sched   *expiryScheduler
	breaker *breaker.Breaker

	mu       sync.Mutex
	sessions map[string]*session.Session

	counter atomic.Uint64

	sig     chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	closeWg sync.Once
}

// New constructs a Manager and starts its background expiry sweep.
func New(cfg Config, bus *notify.Bus, log *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		log:      log.Named("session-manager"),
		slots:    newSlotPool(int64(cfg.MaxConcurrentSessions)),
		sched:    newExpiryScheduler(),
		sessions: make(map[string]*session.Session),
		sig:      make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if cfg.BreakerFailureThreshold > 0 {
		m.breaker = breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout)
	}
	go m.run()
	return m
}

// Create allocates a new session id, starts its Driver against dumpPath
// (and optional symbolsPath), and registers it in the table. Returns
// ErrCapacity if max_concurrent_sessions is already reached.
func (m *Manager) Create(ctx context.Context, dumpPath, symbolsPath string) (*session.Session, error) {
	if err := validateDumpAndSymbols(dumpPath, symbolsPath); err != nil {
		return nil, err
	}

	if m.breaker != nil && !m.breaker.Allow() {
		return nil, ErrBreakerOpen
	}

	id := m.newSessionID()

	if !m.slots.tryAcquire(id) {
		return nil, ErrCapacity
	}

	dcfg := driver.Config{
		SessionID:         id,
		BinaryPath:        m.cfg.BinaryPath,
		DumpPath:          dumpPath,
		SymbolsPath:       symbolsPath,
		CommandTimeout:    m.cfg.CommandTimeout,
		StartupTimeout:    m.cfg.StartupTimeout,
		StartupDelay:      m.cfg.StartupDelay,
		OutputReadTimeout: m.cfg.OutputReadTimeout,
		DisposalTimeout:   m.cfg.DisposalTimeout,
	}
	d, err := driver.New(dcfg, m.log)
	if err != nil {
		m.slots.release(id)
		m.recordStartupResult(err)
		return nil, err
	}

	sess := session.New(id, dumpPath, symbolsPath, d, m.cfg.Queue, m.bus, m.log)
	if err := sess.Start(ctx); err != nil {
		m.slots.release(id)
		m.recordStartupResult(err)
		return nil, err
	}
	m.recordStartupResult(nil)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.scheduleExpiry(id, time.Now().Add(m.cfg.IdleTimeout))
	return sess, nil
}

// validateDumpAndSymbols enforces that dumpPath exists as a regular file
// and, if given, symbolsPath exists as a directory (spec.md §3, §6).
func validateDumpAndSymbols(dumpPath, symbolsPath string) error {
	info, err := os.Stat(dumpPath)
	if err != nil {
		return fmt.Errorf("%w: dumpPath %q: %v", ErrInvalidArgument, dumpPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: dumpPath %q is a directory, not a file", ErrInvalidArgument, dumpPath)
	}

	if symbolsPath == "" {
		return nil
	}
	sinfo, err := os.Stat(symbolsPath)
	if err != nil {
		return fmt.Errorf("%w: symbolsPath %q: %v", ErrInvalidArgument, symbolsPath, err)
	}
	if !sinfo.IsDir() {
		return fmt.Errorf("%w: symbolsPath %q is not a directory", ErrInvalidArgument, symbolsPath)
	}
	return nil
}

func (m *Manager) recordStartupResult(err error) {
	if m.breaker == nil {
		return
	}
	if err != nil {
		m.breaker.RecordFailure()
		return
	}
	m.breaker.RecordSuccess()
}

// Get returns the session for id, or (nil, false) if it does not exist
// (already closed or never created).
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ListActive returns every session currently in the table, regardless of
// its Status (a session mid-Disposing is still listed until fully torn
// down and removed).
func (m *Manager) ListActive() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close disposes of the session with id and removes it from the table.
// Returns false if no such session exists.
func (m *Manager) Close(id, reason string) bool {
	return m.closeInternal(id, reason)
}

func (m *Manager) closeInternal(id, reason string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.sched.remove(id)
	if err := sess.Dispose(reason); err != nil {
		m.log.Warn("session dispose returned error", zap.String("session_id", id), zap.Error(err))
	}
	m.slots.release(id)
	return true
}

// Shutdown disposes of every live session and stops the sweep goroutine.
// Disposal runs a bounded number of sessions at a time: each one drives a
// real subprocess through its stop sequence, so draining them one at a
// time would make shutdown latency scale with session count.
func (m *Manager) Shutdown() {
	m.closeWg.Do(func() { close(m.stopCh) })
	<-m.doneCh

	var g errgroup.Group
	g.SetLimit(8)
	for _, sess := range m.ListActive() {
		sess := sess
		g.Go(func() error {
			m.closeInternal(sess.ID, "server-shutdown")
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) scheduleExpiry(id string, when time.Time) {
	m.mu.Lock()
	m.sched.schedule(id, when)
	m.mu.Unlock()
	select {
	case m.sig <- struct{}{}:
	default:
	}
}

// run is the single sweep goroutine, shaped after ProcessManager2's
// mainloop: pop the earliest scheduled event, sleep until it's due (woken
// early by sig on any new schedule or by stopCh on shutdown), then decide
// whether the session is actually idle-expired or whether activity since
// scheduling earns it a later recheck.
func (m *Manager) run() {
	defer close(m.doneCh)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		m.mu.Lock()
		id, when, ok := m.sched.next()
		m.mu.Unlock()

		if !ok {
			select {
			case <-m.stopCh:
				return
			case <-m.sig:
				continue
			case <-time.After(m.cfg.CleanupInterval):
				continue
			}
		}

		delay := time.Until(when)
		if delay > 0 {
			arm(timer, delay)
			select {
			case <-timer.C:
			case <-m.sig:
				continue
			case <-m.stopCh:
				return
			}
		}

		m.mu.Lock()
		m.sched.pop()
		sess, exists := m.sessions[id]
		m.mu.Unlock()
		if !exists {
			continue
		}

		if time.Since(sess.LastActivity()) >= m.cfg.IdleTimeout {
			m.closeInternal(id, "idle-expired")
			continue
		}
		m.scheduleExpiry(id, sess.LastActivity().Add(m.cfg.IdleTimeout))
	}
}

func arm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (m *Manager) newSessionID() string {
	n := m.counter.Add(1)
	return fmt.Sprintf("sess-%06d-%s", n, uuid.New().String()[:8])
}

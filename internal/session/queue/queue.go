// Package queue implements the per-session command queue (spec.md §4.C):
// a FIFO of QueuedCommand records drained by a single executor goroutine,
// so commands against one debugger session are always serialized exactly
// as CDB itself requires.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/debugger/driver"
	"github.com/nexus-dbg/mcp-server/internal/mcp/notify"
)

// Executor runs one raw debugger command to completion or cancellation.
// *driver.Driver satisfies this; Queue depends only on this narrow
// interface so it can be driven by a fake in tests.
type Executor interface {
	Execute(ctx context.Context, rawText string, cancel <-chan struct{}) (string, error)
}

// Config bounds the queue's terminal-entry retention (spec.md §4.C, §5).
type Config struct {
	MaxRetained     int
	RetentionPeriod time.Duration
}

// Queue is the FIFO command queue bound to a single session's Driver. The
// zero value is not usable; construct with New.
type Queue struct {
	sessionID string
	exec      Executor
	bus       *notify.Bus
	cfg       Config
	log       *zap.Logger

	mu         sync.Mutex
	pending    *list.List // of *Command, FIFO order
	byID       map[string]*list.Element
	stopped    bool
	cmdCounter uint64
	stopCh     chan struct{}
	wake       chan struct{}
	closeDoc   sync.Once
	done       chan struct{}
}

// New constructs a Queue bound to exec and starts its executor goroutine.
func New(sessionID string, exec Executor, bus *notify.Bus, cfg Config, log *zap.Logger) *Queue {
	q := &Queue{
		sessionID: sessionID,
		exec:      exec,
		bus:       bus,
		cfg:       cfg,
		log:       log.Named("queue").With(zap.String("session_id", sessionID)),
		pending:   list.New(),
		byID:      make(map[string]*list.Element),
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a new command with rawText to the tail of the queue and
// returns its id. Returns ErrInvalidArgument if rawText is empty or
// whitespace-only (spec.md §4.C).
func (q *Queue) Enqueue(rawText string) (string, error) {
	if strings.TrimSpace(rawText) == "" {
		return "", ErrInvalidArgument
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrInvalidArgument
	}

	cmd := &Command{
		ID:        q.newCommandID(),
		SessionID: q.sessionID,
		RawText:   rawText,
		QueuedAt:  time.Now(),
		State:     Queued,
		cancel:    make(chan struct{}),
	}
	el := q.pending.PushBack(cmd)
	q.byID[cmd.ID] = el

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return cmd.ID, nil
}

// Status returns a Snapshot of the command with id. Returns ErrNotFound if
// no such command is retained (either never existed or evicted per the
// retention policy).
func (q *Queue) Status(id string) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.byID[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return el.Value.(*Command).snapshot(), nil
}

// Cancel requests cancellation of command id. Returns ErrNotFound if the
// command is unknown. Returns (false, nil) if the command was already
// terminal — cancellation only affects Queued or Executing commands.
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	cmd := el.Value.(*Command)
	switch cmd.State {
	case Queued:
		now := time.Now()
		cmd.StartedAt = &now
		cmd.FinishedAt = &now
		cmd.State = Cancelled
		cmd.ErrorKind = "cancelled-before-execution"
		q.publishStatusLocked(cmd)
		return true, nil
	case Executing:
		close(cmd.cancel)
		return true, nil
	default:
		return false, nil
	}
}

// CancelAll cancels every non-terminal command, tagging each with reason.
// Used when the owning session is disposed or the driver's process dies
// (spec.md §4.C, §7).
func (q *Queue) CancelAll(reason string) {
	q.mu.Lock()
	var toCancelExecuting []*Command
	for el := q.pending.Front(); el != nil; {
		next := el.Next()
		cmd := el.Value.(*Command)
		if cmd.State == Queued {
			now := time.Now()
			cmd.StartedAt = &now
			cmd.FinishedAt = &now
			cmd.State = Cancelled
			cmd.ErrorKind = reason
			q.publishStatusLocked(cmd)
		} else if cmd.State == Executing {
			toCancelExecuting = append(toCancelExecuting, cmd)
		}
		el = next
	}
	q.mu.Unlock()

	for _, cmd := range toCancelExecuting {
		q.safeCloseCancel(cmd)
	}
}

func (q *Queue) safeCloseCancel(cmd *Command) {
	defer func() { recover() }()
	close(cmd.cancel)
}

// Snapshot returns a Snapshot of every retained command, FIFO order.
func (q *Queue) Snapshot() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, 0, q.pending.Len())
	for el := q.pending.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Command).snapshot())
	}
	return out
}

// Stop drains the queue: any Queued commands become Cancelled("shutdown")
// and the executor goroutine exits once any in-flight command finishes.
// Stop is idempotent and returns once the goroutine has exited.
func (q *Queue) Stop() {
	q.closeDoc.Do(func() {
		close(q.stopCh)
	})
	<-q.done
}

// run is the single executor goroutine: it pops the head Queued command,
// runs it to completion against q.exec, and publishes a notification on
// every state transition. Shaped after processmgr's superviseProcess
// event loop (select over shutdown / work-available / timer), generalized
// from "restart forever" to "drain one command at a time."
func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stopCh:
			q.CancelAll("shutdown")
			q.markStopped()
			return
		default:
		}

		cmd := q.popHead()
		if cmd == nil {
			select {
			case <-q.stopCh:
				q.CancelAll("shutdown")
				q.markStopped()
				return
			case <-q.wake:
				continue
			}
		}

		q.execute(cmd)
		q.evictOld()
	}
}

func (q *Queue) markStopped() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
}

func (q *Queue) popHead() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.pending.Front()
	if el == nil {
		return nil
	}
	cmd := el.Value.(*Command)
	if cmd.State != Queued {
		// Already terminal (cancelled while queued, or finished and
		// retained) — skip it and keep looking rather than re-executing it.
		return q.popHeadLocked()
	}
	now := time.Now()
	cmd.StartedAt = &now
	cmd.State = Executing
	return cmd
}

func (q *Queue) popHeadLocked() *Command {
	for el := q.pending.Front(); el != nil; el = el.Next() {
		cmd := el.Value.(*Command)
		if cmd.State == Queued {
			now := time.Now()
			cmd.StartedAt = &now
			cmd.State = Executing
			return cmd
		}
	}
	return nil
}

func (q *Queue) execute(cmd *Command) {
	q.publishStatus(cmd)

	out, err := q.exec.Execute(context.Background(), cmd.RawText, cmd.cancel)

	now := time.Now()
	q.mu.Lock()
	cmd.FinishedAt = &now
	switch {
	case err == nil:
		cmd.State = Completed
		cmd.ResultText = out
	case isTimeout(err):
		cmd.State = TimedOut
		cmd.ErrorKind = "command-timeout"
	case isCancelled(err):
		cmd.State = Cancelled
		cmd.ErrorKind = "cancelled-by-caller"
	case isProcessDied(err):
		cmd.State = Failed
		cmd.ErrorKind = "process-died"
	default:
		cmd.State = Failed
		cmd.ErrorKind = err.Error()
	}
	processDied := isProcessDied(err)
	q.mu.Unlock()

	q.publishStatus(cmd)

	if processDied {
		q.CancelAll("process-died")
	}
}

// evictOld enforces the retention bound: terminal commands older than
// RetentionPeriod are dropped once the retained count exceeds MaxRetained.
// Non-terminal commands are never evicted.
func (q *Queue) evictOld() {
	if q.cfg.MaxRetained <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > q.cfg.MaxRetained {
		el := q.pending.Front()
		cmd := el.Value.(*Command)
		if !cmd.State.IsTerminal() {
			break
		}
		if q.cfg.RetentionPeriod > 0 && cmd.FinishedAt != nil && time.Since(*cmd.FinishedAt) < q.cfg.RetentionPeriod {
			break
		}
		q.pending.Remove(el)
		delete(q.byID, cmd.ID)
	}
}

func (q *Queue) publishStatus(cmd *Command) {
	q.mu.Lock()
	snap := cmd.snapshot()
	q.mu.Unlock()
	q.publishSnapshot(snap)
}

func (q *Queue) publishStatusLocked(cmd *Command) {
	q.publishSnapshot(cmd.snapshot())
}

func (q *Queue) publishSnapshot(snap Snapshot) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(notify.Notification{
		Method: notify.MethodCommandStatus,
		Params: notify.CommandStatusParams{
			CommandID: snap.ID,
			SessionID: snap.SessionID,
			Command:   snap.RawText,
			Status:    string(snap.State),
			Message:   snap.ErrorKind,
		},
	})
}

// newCommandID must be called with q.mu held: it mints the next command id
// in the grammar cmd-<session_id>-NNNN, a zero-padded monotonic counter
// scoped to this queue (spec.md §3, §6).
func (q *Queue) newCommandID() string {
	q.cmdCounter++
	return fmt.Sprintf("cmd-%s-%04d", q.sessionID, q.cmdCounter)
}

// ParseSessionID extracts the owning session id embedded in a command id
// minted by newCommandID (grammar cmd-<session_id>-NNNN). The session id
// itself contains hyphens (sess-NNNNNN-XXXXXXXX), so this strips the fixed
// "cmd-" prefix and the trailing "-NNNN" counter rather than splitting on
// every hyphen. Returns ("", false) if id doesn't match the grammar.
func ParseSessionID(id string) (string, bool) {
	const prefix = "cmd-"
	if !strings.HasPrefix(id, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(id, prefix)
	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return "", false
	}
	sessionID, counter := rest[:idx], rest[idx+1:]
	if sessionID == "" || counter == "" {
		return "", false
	}
	for _, r := range counter {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return sessionID, true
}

func isTimeout(err error) bool {
	return errors.Is(err, driver.ErrCommandTimeout)
}

func isCancelled(err error) bool {
	return errors.Is(err, driver.ErrCancelledByCaller)
}

func isProcessDied(err error) bool {
	return errors.Is(err, driver.ErrProcessDied) || errors.Is(err, driver.ErrNotActive) || errors.Is(err, driver.ErrDisposed)
}

//go:build linux

// Package driver owns one debugger (CDB/WinDbg) subprocess per session,
// driving it through stdin/stdout and detecting command-boundary sentinels
// (spec.md §4.A). It is adapted from edirooss-zmux-server's
// internal/infrastructure/processmgr/process.go: the race-free pipe setup,
// Setpgid+Pdeathsig child isolation, one-shot ready/done channels, and
// SIGTERM-then-SIGKILL Close() sequencing all carry over unchanged in
// shape. What's new is per-command sentinel-driven completion detection in
// place of the teacher's one-time startup banner match.
package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-dbg/mcp-server/internal/debugger/detector"
)

// State is the driver's lifecycle position (spec.md §4.A).
type State int32

const (
	Idle State = iota
	Starting
	Ready
	Executing
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Ready:
		return "Ready"
	case Executing:
		return "Executing"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config are the validated construction inputs (spec.md §4.A).
type Config struct {
	SessionID   string
	BinaryPath  string
	DumpPath    string
	SymbolsPath string // optional

	CommandTimeout    time.Duration
	StartupTimeout    time.Duration
	StartupDelay      time.Duration
	OutputReadTimeout time.Duration
	DisposalTimeout   time.Duration
}

func (c Config) validate() error {
	if c.CommandTimeout <= 0 || c.StartupTimeout <= 0 || c.OutputReadTimeout <= 0 || c.DisposalTimeout <= 0 {
		return fmt.Errorf("%w: all timeouts must be positive", ErrConfigInvalid)
	}
	if c.StartupDelay < 0 {
		return fmt.Errorf("%w: startup delay must be non-negative", ErrConfigInvalid)
	}
	if c.BinaryPath == "" || c.DumpPath == "" {
		return fmt.Errorf("%w: binary path and dump path are required", ErrConfigInvalid)
	}
	return nil
}

// Driver drives one debugger subprocess. Canonical usage:
//
//	d, err := New(cfg, log)
//	if err := d.Start(ctx); err != nil { ... }
//	out, err := d.Execute(ctx, "k", cancelCh)
//	d.Stop()
type Driver struct {
	cfg Config
	log *zap.Logger
	out *logBuffer

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser

	state atomic.Int32
	seq   atomic.Int64
	pid   atomic.Int64

	// lines carries every non-suppressed stdout line to the executing
	// Execute() call. Only one Execute is ever in flight (the Queue
	// serializes callers), so a single moderately-buffered channel
	// suffices.
	lines chan string

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once

	startOnce sync.Once
	closeOnce sync.Once

	// execMu prevents re-entrant Execute calls; the Queue is expected to
	// serialize already, this is a defensive second lock (spec.md §4.A
	// "execute is not re-entrant").
	execMu sync.Mutex
}

// New validates cfg and constructs a Driver. Fails with ErrConfigInvalid.
func New(cfg Config, log *zap.Logger) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Driver{
		cfg:   cfg,
		log:   log.Named("driver").With(zap.String("session_id", cfg.SessionID)),
		out:   newLogBuffer(),
		lines: make(chan string, 256),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Ready returns a channel closed once the debugger has emitted its initial
// prompt.
func (d *Driver) Ready() <-chan struct{} { return d.ready }

// Done returns a channel closed once the subprocess has been fully reaped.
func (d *Driver) Done() <-chan struct{} { return d.done }

// State returns the driver's current lifecycle state.
func (d *Driver) State() State { return State(d.state.Load()) }

// RecentOutput returns the last n raw lines observed from the subprocess,
// newest first — for troubleshooting, not protocol semantics. No MCP
// resource serves it.
func (d *Driver) RecentOutput(n int) []string { return d.out.Read(n) }

func (d *Driver) argv() []string {
	argv := []string{d.cfg.BinaryPath, "-z", d.cfg.DumpPath}
	if d.cfg.SymbolsPath != "" {
		argv = append(argv, "-y", d.cfg.SymbolsPath)
	}
	return argv
}

// Start spawns the subprocess and waits (up to StartupTimeout, after an
// optional StartupDelay) for the first prompt. Fails with ErrStartupFailed
// or ErrStartupTimeout. Idempotent: a second call observes the outcome of
// the first.
func (d *Driver) Start(ctx context.Context) error {
	var startErr error

	d.startOnce.Do(func() {
		d.state.Store(int32(Starting))

		argv := d.argv()
		cmd := exec.Command(argv[0], argv[1:]...)
		stdout, stderr, stdin, err := pipes(cmd)
		if err != nil {
			startErr = fmt.Errorf("%w: %v", ErrStartupFailed, err)
			return
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:   true,
			Pdeathsig: syscall.SIGKILL,
		}

		d.cmd, d.stdout, d.stderr, d.stdin = cmd, stdout, stderr, stdin

		if d.cfg.StartupDelay > 0 {
			select {
			case <-time.After(d.cfg.StartupDelay):
			case <-ctx.Done():
				startErr = fmt.Errorf("%w: %v", ErrStartupFailed, ctx.Err())
				return
			}
		}

		if err := cmd.Start(); err != nil {
			startErr = fmt.Errorf("%w: %v", ErrStartupFailed, err)
			return
		}
		d.pid.Store(int64(cmd.Process.Pid))
		d.log.Info("debugger process started", zap.Int64("pid", d.pid.Load()))

		go d.superviseExit()
		go d.drainStdout()
		go d.drainStderr()

		select {
		case <-d.ready:
			d.state.Store(int32(Ready))
		case <-d.done:
			startErr = fmt.Errorf("%w: process exited before readiness", ErrStartupFailed)
		case <-time.After(d.cfg.StartupTimeout):
			startErr = ErrStartupTimeout
			d.closeUnsafe()
		case <-ctx.Done():
			startErr = fmt.Errorf("%w: %v", ErrStartupFailed, ctx.Err())
			d.closeUnsafe()
		}
	})

	if startErr != nil {
		return startErr
	}
	if d.State() == Ready {
		return nil
	}
	select {
	case <-d.ready:
		return nil
	default:
		return ErrStartupFailed
	}
}

// drainStdout scans stdout, forwarding every line to d.lines (best-effort;
// a full channel still retains the line via the ring buffer) and appending
// every line to the ring buffer. The first prompt line observed closes
// d.ready.
func (d *Driver) drainStdout() {
	sc := bufio.NewScanner(d.stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		d.out.Append(line)

		if detector.IsPrompt(line) {
			d.readyOnce.Do(func() { close(d.ready) })
		}

		select {
		case d.lines <- line:
		default:
			// Execute() isn't currently draining (e.g. between commands);
			// the ring buffer above already retained the line for
			// diagnostics, so dropping it from the live channel is safe.
		}
	}
	if err := sc.Err(); err != nil {
		d.log.Warn("stdout scanner failure", zap.Error(err))
	}
}

func (d *Driver) drainStderr() {
	sc := bufio.NewScanner(d.stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		d.out.Append(sc.Text())
	}
	if err := sc.Err(); err != nil {
		d.log.Warn("stderr scanner failure", zap.Error(err))
	}
}

// superviseExit waits for the process to exit and closes done exactly once.
func (d *Driver) superviseExit() {
	_ = d.cmd.Wait()
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	d.state.Store(int32(Stopped))
	d.doneOnce.Do(func() { close(d.done) })
}

// Execute writes cmd followed by a unique sentinel-emit command, then reads
// output until the sentinel echoes (or an ultra-safe completion marker
// appears, or timeout/cancellation fires). Precondition: Ready. Fails with
// ErrNotActive, ErrCommandTimeout, ErrCancelledByCaller, or ErrProcessDied.
//
// Per the Open Question decision in DESIGN.md: a bare prompt with no
// preceding content is never treated as completion on its own — only the
// sentinel echo (or an ultra-safe marker) authoritatively ends a command.
func (d *Driver) Execute(ctx context.Context, rawCmd string, cancel <-chan struct{}) (string, error) {
	d.execMu.Lock()
	defer d.execMu.Unlock()

	if d.State() != Ready {
		select {
		case <-d.done:
			return "", ErrProcessDied
		default:
		}
		if d.State() == Stopping {
			return "", ErrDisposed
		}
		return "", ErrNotActive
	}

	d.state.Store(int32(Executing))
	defer func() {
		if d.State() == Executing {
			d.state.Store(int32(Ready))
		}
	}()

	tag := d.newSentinelTag()
	sentinelCmd := ".echo " + tag

	if _, err := io.WriteString(d.stdin, rawCmd+"\n"+sentinelCmd+"\n"); err != nil {
		return "", fmt.Errorf("%w: write failed: %v", ErrProcessDied, err)
	}

	var content []string

	timer := time.NewTimer(d.cfg.CommandTimeout)
	defer timer.Stop()

	for {
		select {
		case line := <-d.lines:
			if detector.ExtractSentinel(line, tag) {
				return strings.TrimRight(strings.Join(content, "\n"), " \t"), nil
			}
			if detector.IsEchoOfInput(line, rawCmd, sentinelCmd) {
				continue
			}
			if detector.IsUltraSafeCompletion(line) {
				content = append(content, line)
				return strings.TrimRight(strings.Join(content, "\n"), " \t"), nil
			}
			if detector.IsPrompt(line) {
				// Prompts are not authoritative terminators on their own
				// (see Open Question decision); keep reading for the
				// sentinel, but never let a prompt line — leading or
				// trailing — pollute output.
				continue
			}
			content = append(content, line)

		case <-d.done:
			return "", ErrProcessDied

		case <-cancel:
			d.realign(tag)
			return "", ErrCancelledByCaller

		case <-ctx.Done():
			d.realign(tag)
			return "", ErrCancelledByCaller

		case <-timer.C:
			return "", ErrCommandTimeout
		}
	}
}

// realign best-effort interrupts an in-flight command by writing a newline
// plus a fresh sentinel, so a subsequent command isn't confused by stale
// output. Per spec.md §5, this is best-effort and write failures are
// swallowed. Nothing waits for the fresh sentinel to echo, and no caller
// fails the session when the driver does not realign.
func (d *Driver) realign(priorTag string) {
	tag := d.newSentinelTag()
	_, _ = io.WriteString(d.stdin, "\n.echo "+tag+"\n")
	d.log.Debug("realigning driver after cancellation", zap.String("prior_tag", priorTag), zap.String("new_tag", tag))
}

func (d *Driver) newSentinelTag() string {
	n := d.seq.Add(1)
	return fmt.Sprintf("%s-%s-%s", d.cfg.SessionID, strconv.FormatInt(n, 10), uuid.New().String()[:8])
}

// Stop initiates deterministic shutdown: quit command, grace period, then
// SIGTERM escalating to SIGKILL. Idempotent.
func (d *Driver) Stop() {
	d.closeOnce.Do(func() {
		d.state.Store(int32(Stopping))
		go d.closeUnsafe()
	})
}

func (d *Driver) closeUnsafe() {
	select {
	case <-d.done:
		return
	default:
	}

	if d.stdin != nil {
		_, _ = io.WriteString(d.stdin, "q\n")
	}

	pid := int(d.pid.Load())
	if pid == 0 {
		return
	}

	grace := time.NewTimer(d.cfg.DisposalTimeout)
	defer grace.Stop()

	select {
	case <-d.done:
		return
	case <-grace.C:
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		d.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("pid", pid))
	}

	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()

	select {
	case <-d.done:
		return
	case <-timer.C:
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			d.log.Error("SIGKILL failed", zap.Error(err), zap.Int("pid", pid))
		}
	}
}

// pipes prepares stdin/stdout/stderr, closing any already-created pipe if a
// later one fails (mirrors the teacher's pipes() helper exactly).
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, io.WriteCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	return stdout, stderr, stdin, nil
}

// Package runner supervises the code-generation CLI subprocess: at most one
// live process per session, line-oriented stdout delivery, stderr capture,
// and graceful-then-forceful termination.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
)

const (
	// stderrTailSize bounds captured stderr to the most recent bytes.
	stderrTailSize = 8 * 1024

	// maxLineSize bounds a single stdout line. The tool emits one JSON
	// record per line; oversized records are truncated to this size, the
	// remainder discarded, and the truncated line surfaces as unparsed
	// output downstream. The stream keeps flowing either way.
	maxLineSize = 4 * 1024 * 1024
)

// Options configures subprocess invocations.
type Options struct {
	Binary          string
	WorkingDir      string
	Timeout         time.Duration
	GracePeriod     time.Duration
	SkipPermissions bool
}

// Result describes a finished subprocess run.
type Result struct {
	ExitCode   int
	StderrTail string
	TimedOut   bool
	Terminated bool
}

// Abnormal reports whether the run ended outside a clean exit.
func (r Result) Abnormal() bool {
	return r.ExitCode != 0 && !r.Terminated
}

// Handle is one live subprocess. Output lines are delivered on Lines until
// the process exits and its stdout is fully drained; only then does the
// channel close.
type Handle struct {
	SessionID string

	cmd   *exec.Cmd
	lines chan []byte

	tail       *tailBuffer
	stderrDone chan struct{}
	readerDone chan struct{}
	done       chan struct{}

	terminateOnce sync.Once

	mu         sync.Mutex
	exitCode   int
	timedOut   bool
	terminated bool
}

// Lines returns the stdout line channel. Closed after process exit once all
// buffered output has been delivered.
func (h *Handle) Lines() <-chan []byte {
	return h.lines
}

// Wait blocks until the run finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed when the run has fully finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Result{
		ExitCode:   h.exitCode,
		StderrTail: h.tail.String(),
		TimedOut:   h.timedOut,
		Terminated: h.terminated,
	}
}

// Terminate stops the subprocess: SIGTERM to the process group, then SIGKILL
// after the grace period. Idempotent and safe on an already-exited process.
func (h *Handle) Terminate(grace time.Duration) {
	h.terminateOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		h.mu.Lock()
		h.terminated = true
		h.mu.Unlock()

		_ = signalGroup(h.cmd, terminateSignal())

		select {
		case <-h.done:
		case <-time.After(grace):
			_ = signalGroup(h.cmd, killSignal())
			<-h.done
		}
	})
}

func (h *Handle) markTimedOut() {
	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()
}

// Runner starts and tracks subprocess handles, one per session.
type Runner struct {
	opts Options
	log  *logging.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(opts Options, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	return &Runner{
		opts:    opts,
		log:     log,
		handles: make(map[string]*Handle),
	}
}

// buildArgs assembles the CLI invocation. Verbose is required for
// stream-json output with --print.
func (r *Runner) buildArgs(sessionID, prompt string, continued bool) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if r.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "--session-id", sessionID)
	if continued {
		args = append(args, "--continue")
	}
	args = append(args, prompt)
	return args
}

// Start launches the tool for a session. Returns SESSION_BUSY when the
// session already has a live process and TOOL_UNAVAILABLE when the binary
// cannot be found or started.
func (r *Runner) Start(ctx context.Context, sessionID, prompt string, continued bool) (*Handle, error) {
	if r.opts.Binary == "" {
		return nil, agenterrors.New(agenterrors.ErrCodeToolUnavailable, "code generation tool binary not configured")
	}
	if _, err := os.Stat(r.opts.Binary); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeToolUnavailable, "code generation tool binary not found").
			WithContext("binary", r.opts.Binary)
	}

	// The lock is held through registration so concurrent starts for one
	// session yield exactly one winner.
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[sessionID]; ok {
		select {
		case <-existing.Done():
			delete(r.handles, sessionID)
		default:
			return nil, agenterrors.New(agenterrors.ErrCodeSessionBusy, "session already has a running build").
				WithContext("session_id", sessionID).
				WithUserMessage("A build is already running for this conversation. Terminate it first or wait for it to finish.")
		}
	}

	cmd := exec.Command(r.opts.Binary, r.buildArgs(sessionID, prompt, continued)...)
	cmd.Dir = r.opts.WorkingDir
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.ErrCodeToolUnavailable, "failed to start code generation tool").
			WithContext("binary", r.opts.Binary)
	}

	h := &Handle{
		SessionID:  sessionID,
		cmd:        cmd,
		lines:      make(chan []byte, 64),
		tail:       newTailBuffer(stderrTailSize),
		stderrDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	r.handles[sessionID] = h

	r.log.Info(logging.CategoryRunner, "process_started", sessionID,
		fmt.Sprintf("started %s (pid %d)", r.opts.Binary, cmd.Process.Pid),
		map[string]any{"continued": continued, "working_dir": r.opts.WorkingDir})

	go func() {
		defer close(h.readerDone)
		defer close(h.lines)
		reader := bufio.NewReaderSize(stdout, 64*1024)
		for {
			line, err := readLine(reader, maxLineSize)
			if len(line) > 0 {
				h.lines <- line
			}
			if err != nil {
				if err != io.EOF {
					r.log.Warn(logging.CategoryRunner, "stdout_read_error", sessionID,
						"stdout read failed: "+err.Error(), nil)
				}
				return
			}
		}
	}()

	go func() {
		defer close(h.stderrDone)
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				h.tail.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		<-h.readerDone
		<-h.stderrDone
		err := cmd.Wait()

		h.mu.Lock()
		h.exitCode = exitCodeFromError(err)
		h.mu.Unlock()
		close(h.done)

		r.mu.Lock()
		if r.handles[sessionID] == h {
			delete(r.handles, sessionID)
		}
		r.mu.Unlock()

		r.log.Info(logging.CategoryRunner, "process_exited", sessionID,
			fmt.Sprintf("process exited with code %d", h.result().ExitCode),
			map[string]any{"exit_code": h.result().ExitCode})
	}()

	if r.opts.Timeout > 0 {
		go func() {
			timer := time.NewTimer(r.opts.Timeout)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-ctx.Done():
			case <-timer.C:
				h.markTimedOut()
				r.log.Warn(logging.CategoryRunner, "process_timeout", sessionID,
					"execution timed out, terminating",
					map[string]any{"timeout": r.opts.Timeout.String()})
				h.Terminate(r.grace())
			}
		}()
	}

	return h, nil
}

// Terminate stops a session's live process. Returns false when the session
// has no running process; calling it twice is safe.
func (r *Runner) Terminate(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
	}
	h.Terminate(r.grace())
	return true
}

// TerminateAll stops every live process and returns how many were stopped.
func (r *Runner) TerminateAll() int {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	count := 0
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			h.Terminate(r.grace())
			count++
		}
	}
	return count
}

// Running reports whether a session has a live process.
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

func (r *Runner) grace() time.Duration {
	if r.opts.GracePeriod > 0 {
		return r.opts.GracePeriod
	}
	return 5 * time.Second
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// readLine reads one newline-terminated line, keeping at most limit bytes.
// Bytes past the limit are discarded until the next newline so the pipe
// never backs up behind a single oversized record. A final unterminated
// line is returned alongside io.EOF.
func readLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		if len(line) < limit {
			keep := chunk
			if len(line)+len(keep) > limit {
				keep = keep[:limit-len(line)]
			}
			line = append(line, keep...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return line, err
		}
		if n := len(line); n > 0 && line[n-1] == '\n' {
			line = line[:n-1]
		}
		return line, nil
	}
}

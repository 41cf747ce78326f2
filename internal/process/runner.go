// Package process spawns and supervises assistant CLI subprocesses, one per
// session, and runs prompts against them with complexity-derived timeouts.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aicli/companion/internal/common/config"
	"github.com/aicli/companion/internal/common/logger"
	"github.com/aicli/companion/internal/events/bus"
	"github.com/aicli/companion/pkg/aicli"
)

// ErrProcessNotFound is returned for operations on unknown sessions.
var ErrProcessNotFound = errors.New("process not found for session")

// stopGracePeriod is how long SIGTERM gets before escalation to SIGKILL.
const stopGracePeriod = 2 * time.Second

// stderrRingSize bounds captured stderr for error context.
const stderrRingSize = 64 * 1024

// Process is one running assistant subprocess.
type Process struct {
	SessionID        string
	WorkingDirectory string
	StartedAt        time.Time

	cmd    *exec.Cmd
	client *aicli.Client
	stderr *ringBuffer

	resultCh chan resultComplete
	done     chan struct{}

	mu      sync.Mutex
	exitErr error
}

type resultComplete struct {
	success bool
	err     error
}

// Client returns the stream-json client attached to the subprocess.
func (p *Process) Client() *aicli.Client {
	return p.client
}

// PID returns the subprocess pid, or 0 when it never started.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stderr returns the captured tail of stderr.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Runner owns the assistant subprocesses, keyed by session id.
type Runner struct {
	cfg    config.AssistantConfig
	bus    bus.EventBus
	logger *logger.Logger

	mu    sync.RWMutex
	procs map[string]*Process
}

// NewRunner creates a Runner.
func NewRunner(cfg config.AssistantConfig, eventBus bus.EventBus, log *logger.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "process-runner")),
		procs:  make(map[string]*Process),
	}
}

// CheckAvailability reports whether the assistant binary is runnable.
func (r *Runner) CheckAvailability() error {
	if _, err := exec.LookPath(r.cfg.Binary); err != nil {
		return fmt.Errorf("assistant binary %q not found: %w", r.cfg.Binary, err)
	}
	return nil
}

// buildArgs assembles the CLI flags from config.
func (r *Runner) buildArgs(skipPermissions bool) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if r.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", r.cfg.PermissionMode)
	}
	if len(r.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.cfg.AllowedTools, ","))
	}
	if len(r.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(r.cfg.DisallowedTools, ","))
	}
	if skipPermissions || r.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// Spawn starts an assistant subprocess for the session in its own process
// group and begins reading its stdout stream.
func (r *Runner) Spawn(ctx context.Context, sessionID, workingDirectory string, skipPermissions bool) error {
	r.mu.Lock()
	if _, exists := r.procs[sessionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session %s already has a subprocess", sessionID)
	}
	r.mu.Unlock()

	cmd := exec.Command(r.cfg.Binary, r.buildArgs(skipPermissions)...)
	cmd.Dir = workingDirectory
	// own process group so Stop can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start assistant: %w", err)
	}

	proc := &Process{
		SessionID:        sessionID,
		WorkingDirectory: workingDirectory,
		StartedAt:        time.Now(),
		cmd:              cmd,
		client:           aicli.NewClient(stdin, stdout, r.logger.WithSessionID(sessionID)),
		stderr:           newRingBuffer(stderrRingSize),
		resultCh:         make(chan resultComplete, 1),
		done:             make(chan struct{}),
	}

	r.mu.Lock()
	r.procs[sessionID] = proc
	r.mu.Unlock()

	go proc.stderr.ReadFrom(stderrPipe)
	<-proc.client.Start(ctx)

	go r.wait(proc)

	r.publish(bus.SubjectProcessStart, map[string]interface{}{
		"sessionId": sessionID,
		"pid":       proc.PID(),
	})
	r.logger.Info("assistant started",
		zap.String("session_id", sessionID),
		zap.Int("pid", proc.PID()),
		zap.String("directory", workingDirectory))
	return nil
}

// wait reaps the subprocess and emits processExit.
func (r *Runner) wait(proc *Process) {
	err := proc.cmd.Wait()

	proc.mu.Lock()
	proc.exitErr = err
	proc.mu.Unlock()
	close(proc.done)
	proc.client.Stop()

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	r.publish(bus.SubjectProcessExit, map[string]interface{}{
		"sessionId": proc.SessionID,
		"exitCode":  exitCode,
		"stderr":    proc.Stderr(),
	})
	r.logger.Info("assistant exited",
		zap.String("session_id", proc.SessionID),
		zap.Int("exit_code", exitCode))
}

// Get returns the live process for a session.
func (r *Runner) Get(sessionID string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.procs[sessionID]
	return proc, ok
}

// NotifyResult resolves a pending ExecuteCommand wait for the session.
// Called by the orchestrator when the stream produces a final result.
func (r *Runner) NotifyResult(sessionID string, success bool, err error) {
	r.mu.RLock()
	proc, ok := r.procs[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case proc.resultCh <- resultComplete{success: success, err: err}:
	default:
	}
}

// ExecuteCommand writes a newline-terminated prompt to the subprocess and
// blocks until the final result is signaled, the subprocess exits, the
// context is cancelled, or the prompt-derived timeout elapses.
func (r *Runner) ExecuteCommand(ctx context.Context, sessionID, prompt string) error {
	r.mu.RLock()
	proc, ok := r.procs[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrProcessNotFound
	}

	// drain any stale completion from a previous prompt
	select {
	case <-proc.resultCh:
	default:
	}

	if err := proc.client.SendPrompt(prompt); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	timeout := CommandTimeout(prompt)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	r.logger.Debug("prompt sent",
		zap.String("session_id", sessionID),
		zap.Duration("timeout", timeout))

	select {
	case res := <-proc.resultCh:
		if res.err != nil {
			return res.err
		}
		if !res.success {
			return fmt.Errorf("assistant reported failure")
		}
		return nil
	case <-proc.done:
		return fmt.Errorf("assistant exited before completing: %s", proc.Stderr())
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.publish(bus.SubjectStreamError, map[string]interface{}{
			"sessionId": sessionID,
			"error":     fmt.Sprintf("command timed out after %v", timeout),
		})
		return fmt.Errorf("command timed out after %v", timeout)
	}
}

// Stop terminates the session's subprocess: SIGTERM to the process group,
// escalating to SIGKILL after a grace period.
func (r *Runner) Stop(sessionID string) error {
	return r.stop(sessionID, false)
}

// Kill terminates the session's subprocess immediately with SIGKILL.
func (r *Runner) Kill(sessionID string) error {
	return r.stop(sessionID, true)
}

func (r *Runner) stop(sessionID string, kill bool) error {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	if ok {
		delete(r.procs, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrProcessNotFound
	}

	if !proc.Alive() {
		return nil
	}

	pgid := -proc.PID()
	if kill {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return nil
	}

	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-proc.done:
		return nil
	case <-time.After(stopGracePeriod):
		r.logger.Warn("subprocess ignored SIGTERM, sending SIGKILL",
			zap.String("session_id", sessionID))
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return nil
	}
}

// Remove forgets a process that already exited without signaling it.
func (r *Runner) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.procs, sessionID)
	r.mu.Unlock()
}

// StopAll stops every subprocess concurrently, joining the errors.
// Each Stop waits out the graceful shutdown grace period, so stopping
// sessions sequentially would multiply shutdown time by the session count.
func (r *Runner) StopAll() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.Stop(id); err != nil && !errors.Is(err, ErrProcessNotFound) {
				return fmt.Errorf("session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) publish(subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "process-runner", data)); err != nil {
		r.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

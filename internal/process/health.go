package process

import (
	"syscall"
	"time"

	"go.uber.org/zap"
)

// HealthChecker periodically polls each subprocess and reports dead ones.
type HealthChecker struct {
	runner   *Runner
	interval time.Duration
	onDead   func(sessionID string)
	done     chan struct{}
}

// NewHealthChecker creates a health checker. onDead receives the session id
// of each subprocess found dead; callers wire it to cleanupDeadSession.
func NewHealthChecker(runner *Runner, interval time.Duration, onDead func(sessionID string)) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		runner:   runner,
		interval: interval,
		onDead:   onDead,
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (h *HealthChecker) Start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.check()
			}
		}
	}()
}

// Stop halts the polling loop.
func (h *HealthChecker) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *HealthChecker) check() {
	h.runner.mu.RLock()
	procs := make([]*Process, 0, len(h.runner.procs))
	for _, proc := range h.runner.procs {
		procs = append(procs, proc)
	}
	h.runner.mu.RUnlock()

	for _, proc := range procs {
		if processAlive(proc) {
			continue
		}
		h.runner.logger.Warn("subprocess dead",
			zap.String("session_id", proc.SessionID),
			zap.Int("pid", proc.PID()))
		h.runner.Remove(proc.SessionID)
		if h.onDead != nil {
			h.onDead(proc.SessionID)
		}
	}
}

// processAlive checks the wait state first, then probes the PID with
// signal 0 for processes reaped elsewhere.
func processAlive(proc *Process) bool {
	if !proc.Alive() {
		return false
	}
	pid := proc.PID()
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

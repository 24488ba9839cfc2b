// Package proc verifies subprocess identity before any signal is sent.
// PIDs are recycled by the OS; a stored pid may belong to a different
// process after a crash or restart, so every kill is gated on a three-part
// identity check: the pid exists, the command looks like the agent binary,
// and the OS-reported start time matches the recorded one.
package proc

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// StartDrift is the maximum allowed gap between the recorded process start
// time and the one the OS reports.
const StartDrift = 5 * time.Second

const killGrace = 5 * time.Second

// agentNameTokens are the command names the agent CLI is expected to run
// under (the CLI itself or its node runtime).
var agentNameTokens = []string{"claude", "node"}

// IdentityError explains why a stored pid failed verification.
type IdentityError struct {
	PID    int
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("pid %d identity check failed: %s", e.PID, e.Reason)
}

// Verify checks that pid is alive, looks like the agent process, and
// started within StartDrift of startTS (unix milliseconds).
func Verify(pid int, startTS int64) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return &IdentityError{PID: pid, Reason: "process does not exist"}
	}

	running, err := p.IsRunning()
	if err != nil || !running {
		return &IdentityError{PID: pid, Reason: "process is not running"}
	}

	name, err := p.Name()
	if err != nil {
		return &IdentityError{PID: pid, Reason: "process name unavailable"}
	}
	if !looksLikeAgent(name) {
		return &IdentityError{PID: pid, Reason: fmt.Sprintf("unexpected command %q", name)}
	}

	created, err := p.CreateTime()
	if err != nil {
		return &IdentityError{PID: pid, Reason: "process start time unavailable"}
	}
	drift := time.Duration(abs64(created-startTS)) * time.Millisecond
	if drift > StartDrift {
		return &IdentityError{PID: pid, Reason: fmt.Sprintf("start time drift %s exceeds %s", drift, StartDrift)}
	}

	return nil
}

func looksLikeAgent(name string) bool {
	lower := strings.ToLower(name)
	for _, token := range agentNameTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// VerifiedKill terminates a stored pid with identity verification before
// every signal: SIGTERM, a grace wait, re-verify, then SIGKILL if the
// process is still the one we spawned. An IdentityError means no signal
// was sent at all.
func VerifiedKill(pid int, startTS int64) error {
	if err := Verify(pid, startTS); err != nil {
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil // exited between verify and signal
		}
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if err := Verify(pid, startTS); err != nil {
			return nil // gone, or no longer ours to touch
		}
	}

	// Re-verified as still ours: escalate.
	if err := Verify(pid, startTS); err != nil {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sending SIGKILL to %d: %w", pid, err)
	}
	return nil
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// Package process launches and watches the target process on behalf
// of the monitor.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var defaultExitFn = func(err error) {
	logrus.Fatalln(err)
}

// StartOrExit calls Start and invokes the exit handler on failure.
func StartOrExit(cmd *exec.Cmd) *Child {
	child, err := Start(cmd)
	if err != nil {
		defaultExitFn(fmt.Errorf("failed to start target process - %w", err))
	}
	return child
}

// Start launches the target. Unset standard streams are inherited from
// the monitor so the target's output stays visible.
//
// The returned Child reaps the process itself via non-blocking waits;
// exec.Cmd.Wait is deliberately never called, since the monitor's
// tracing machinery consumes wait statuses of its own.
func Start(cmd *exec.Cmd) (*Child, error) {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start %q - %w", cmd.Path, err)
	}

	return &Child{
		cmd: cmd,
		pid: cmd.Process.Pid,
	}, nil
}

// Child is a launched target process.
type Child struct {
	cmd    *exec.Cmd
	pid    int
	mu     sync.Mutex
	exited bool
	status unix.WaitStatus
	logger logrus.FieldLogger
}

// Pid returns the target's process id.
func (o *Child) Pid() int {
	return o.pid
}

// SetLogger directs liveness diagnostics to the given logger.
func (o *Child) SetLogger(logger logrus.FieldLogger) {
	o.mu.Lock()
	o.logger = logger
	o.mu.Unlock()
}

func (o *Child) log() logrus.FieldLogger {
	if o.logger != nil {
		return o.logger
	}

	return logrus.StandardLogger()
}

// Running polls the target without blocking. Once the target's exit
// has been reaped, Running keeps returning false until Revive is
// called.
//
// A target that is alive but no longer our child (it was resurrected
// by an external full-process restore) is detected with a signal-zero
// probe.
func (o *Child) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.exited {
		return false
	}

	var status unix.WaitStatus

	wpid, err := unix.Wait4(o.pid, &status, unix.WNOHANG, nil)
	switch {
	case err == unix.ECHILD:
		return unix.Kill(o.pid, 0) == nil
	case err != nil:
		o.log().Errorf("failed to poll target process - %v", err)
		return false
	case wpid == 0:
		return true
	default:
		o.exited = true
		o.status = status
		o.log().Infof("target process %d terminated (status 0x%x)", o.pid, status)
		return false
	}
}

// ExitSignal returns the signal that terminated the target, if the
// target has been reaped and died to a signal.
func (o *Child) ExitSignal() (unix.Signal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.exited || !o.status.Signaled() {
		return 0, false
	}

	return o.status.Signal(), true
}

// Revive forgets a recorded exit. The monitor calls this after an
// external restore resurrects the target under the same pid.
func (o *Child) Revive() {
	o.mu.Lock()
	o.exited = false
	o.status = 0
	o.mu.Unlock()
}

// Kill force-terminates the target and reaps it if it is still our
// child. Killing an already-exited target is a no-op.
func (o *Child) Kill() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.exited {
		return nil
	}

	err := unix.Kill(o.pid, unix.SIGKILL)
	if err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to kill target process %d - %w", o.pid, err)
	}

	var status unix.WaitStatus

	_, err = unix.Wait4(o.pid, &status, 0, nil)
	if err == nil {
		o.exited = true
		o.status = status
	}

	return nil
}

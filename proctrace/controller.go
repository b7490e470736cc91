package proctrace

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gitlab.com/stephen-fox/faultkit/memmap"
)

var (
	// ErrNotAttached is returned by remote I/O on a detached controller.
	ErrNotAttached = errors.New("not attached to target process")

	// ErrAttachFailed wraps any failure of the attach handshake.
	ErrAttachFailed = errors.New("failed to attach to target process")
)

// Controller owns the trace lifecycle of one target process and exposes
// remote memory I/O while the target is stopped. Only one controller
// may be attached to a given process at a time.
//
// Attach pins the calling goroutine to its OS thread for the duration
// of the attachment; ptrace requests must come from the attaching
// thread. The batched I/O path (process_vm_readv / process_vm_writev)
// has no such restriction and may be used from any goroutine.
type Controller struct {
	pid      int
	pageSize int
	attached bool
	regions  *memmap.RegionMap
	logger   logrus.FieldLogger
}

// NewController creates a controller for the given pid. The pid is
// validated here; the process itself is not touched until Attach.
func NewController(pid int, optLogger logrus.FieldLogger) (*Controller, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid process id: %d", pid)
	}

	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Controller{
		pid:      pid,
		pageSize: unix.Getpagesize(),
		logger:   logger,
	}, nil
}

// Pid returns the target's process id.
func (o *Controller) Pid() int {
	return o.pid
}

// PageSize returns the native page size used for chunked remote reads.
func (o *Controller) PageSize() int {
	return o.pageSize
}

// IsAttached reports whether the target is currently stopped under trace.
func (o *Controller) IsAttached() bool {
	return o.attached
}

// Regions returns the region map built by the last successful refresh.
// It is nil before the first attach and invalid after a detach.
func (o *Controller) Regions() *memmap.RegionMap {
	return o.regions
}

// Attach stops the target with PTRACE_ATTACH and waits for the stop to
// be acknowledged. A SIGTRAP stop (left over from a recent exec) is
// resumed and re-waited once for the expected SIGSTOP; a stop by any
// other signal fails the attach. On success
// the region map is refreshed; a refresh failure fails the attach.
//
// Attaching an already-attached controller is a no-op.
func (o *Controller) Attach() error {
	if o.attached {
		return nil
	}

	runtime.LockOSThread()

	err := unix.PtraceAttach(o.pid)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("%w - ptrace attach pid %d - %v", ErrAttachFailed, o.pid, err)
	}

	var status unix.WaitStatus

	_, err = unix.Wait4(o.pid, &status, 0, nil)
	if err != nil {
		o.abandonAttach()
		return fmt.Errorf("%w - wait for stop of pid %d - %v", ErrAttachFailed, o.pid, err)
	}

	if !status.Stopped() {
		o.abandonAttach()
		return fmt.Errorf("%w - pid %d did not stop as expected (status 0x%x)",
			ErrAttachFailed, o.pid, status)
	}

	if status.StopSignal() == unix.SIGTRAP {
		// Exec leaves a SIGTRAP stop behind; resume past it and
		// wait for the SIGSTOP we asked for.
		err = unix.PtraceCont(o.pid, 0)
		if err != nil {
			o.abandonAttach()
			return fmt.Errorf("%w - continue past exec trap - %v", ErrAttachFailed, err)
		}

		_, err = unix.Wait4(o.pid, &status, 0, nil)
		if err != nil {
			o.abandonAttach()
			return fmt.Errorf("%w - re-wait for stop of pid %d - %v", ErrAttachFailed, o.pid, err)
		}

		if !status.Stopped() || status.StopSignal() != unix.SIGSTOP {
			o.abandonAttach()
			return fmt.Errorf("%w - pid %d stopped with unexpected signal %v",
				ErrAttachFailed, o.pid, status.StopSignal())
		}
	} else if status.StopSignal() != unix.SIGSTOP {
		o.abandonAttach()
		return fmt.Errorf("%w - pid %d stopped with unexpected signal %v",
			ErrAttachFailed, o.pid, status.StopSignal())
	}

	o.attached = true

	err = o.RefreshRegions()
	if err != nil {
		o.Detach()
		return fmt.Errorf("%w - refresh after attach - %v", ErrAttachFailed, err)
	}

	o.logStopSite()

	return nil
}

// abandonAttach tears down a half-finished attach.
func (o *Controller) abandonAttach() {
	unix.PtraceDetach(o.pid)
	runtime.UnlockOSThread()
}

// Detach releases the target. Detaching a detached controller is a
// no-op that returns success. The region map is invalidated either way.
func (o *Controller) Detach() error {
	if !o.attached {
		return nil
	}

	o.attached = false
	o.regions = nil

	err := unix.PtraceDetach(o.pid)
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("failed to detach from pid %d - %w", o.pid, err)
	}

	return nil
}

// RefreshRegions rebuilds the region map from /proc. On failure the
// previous map is left intact.
func (o *Controller) RefreshRegions() error {
	if !o.attached {
		return ErrNotAttached
	}

	regions, err := memmap.ForPid(o.pid, o.logger)
	if err != nil {
		return fmt.Errorf("failed to refresh memory map of pid %d - %w", o.pid, err)
	}

	o.regions = regions

	return nil
}

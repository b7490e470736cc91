// Package monitor binds the tracing, scanning, checkpointing, and
// command-channel pieces into the two top-level operating modes.
package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gitlab.com/stephen-fox/faultkit/checkpoint"
	"gitlab.com/stephen-fox/faultkit/cmdchan"
	"gitlab.com/stephen-fox/faultkit/proctrace"
	"gitlab.com/stephen-fox/faultkit/scankit"
)

// commandPollInterval paces the command-mode idle loop.
const commandPollInterval = 10 * time.Millisecond

// Liveness is the slice of process.Child the monitor needs.
type Liveness interface {
	Pid() int
	Running() bool
	ExitSignal() (unix.Signal, bool)
	Revive()
}

// CommandSource is the slice of cmdchan.Receiver the monitor needs.
type CommandSource interface {
	Pending() bool
	Take() cmdchan.Command
	Inject(cmd cmdchan.Command)
	SendResponse() error
}

// Scanner runs one scan pass with the given strategy.
type Scanner interface {
	Scan(strategy scankit.Strategy) (scankit.Stats, error)
}

// ScanRunner is the production Scanner: it walks the controller's
// current region map with the configured worker count.
type ScanRunner struct {
	Controller *proctrace.Controller
	NumWorkers int
	OptLogger  logrus.FieldLogger
}

func (o ScanRunner) Scan(strategy scankit.Strategy) (scankit.Stats, error) {
	return scankit.ScanForPointers(scankit.Config{
		IO:         o.Controller,
		Regions:    o.Controller.Regions(),
		NumWorkers: o.NumWorkers,
		OptLogger:  o.OptLogger,
	}, strategy)
}

// Config configures a Controller.
type Config struct {
	// Child is the launched target.
	Child Liveness

	// Tracer is the attach lifecycle of the target.
	Tracer proctrace.Attacher

	// Scanner runs scan passes while the target is stopped.
	Scanner Scanner

	// InjectStrategy is used by periodic scans and by InjectErrors
	// commands. Scan commands always use a read-only strategy.
	InjectStrategy scankit.Strategy

	// Checkpoint services Checkpoint and Restore commands. Only
	// required for command mode.
	Checkpoint checkpoint.Checkpointer

	// Commands is the request source. Only required for command mode.
	Commands CommandSource

	// InitialDelay postpones the first periodic scan.
	InitialDelay time.Duration

	// Interval separates periodic scans.
	Interval time.Duration

	// MaxIterations bounds periodic scans; zero means unbounded.
	MaxIterations uint64

	// OptLogger defaults to the logrus standard logger.
	OptLogger logrus.FieldLogger
}

func (o Config) validate() error {
	if o.Child == nil {
		return errors.New("child cannot be nil")
	}

	if o.Tracer == nil {
		return errors.New("tracer cannot be nil")
	}

	if o.Scanner == nil {
		return errors.New("scanner cannot be nil")
	}

	if o.InjectStrategy == nil {
		return errors.New("injection strategy cannot be nil")
	}

	return nil
}

func NewController(config Config) (*Controller, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate monitor config - %w", err)
	}

	logger := config.OptLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Controller{
		config: config,
		logger: logger,
	}, nil
}

// Controller drives one monitoring session over one target.
type Controller struct {
	config            Config
	logger            logrus.FieldLogger
	crashRestoreTried bool
}

// RunPeriodic scans the target on a fixed interval until it exits or
// the iteration limit is reached. Each iteration attaches, scans with
// the configured injection strategy, and detaches again so the target
// can make progress between scans.
func (o *Controller) RunPeriodic() error {
	if o.config.InitialDelay > 0 {
		time.Sleep(o.config.InitialDelay)
	}

	var iterations uint64

	for o.config.Child.Running() {
		err := o.scanOnce()
		if err != nil {
			return err
		}

		iterations++
		if o.config.MaxIterations > 0 && iterations >= o.config.MaxIterations {
			break
		}

		time.Sleep(o.config.Interval)
	}

	return nil
}

func (o *Controller) scanOnce() error {
	guard := proctrace.NewAttachGuard(o.config.Tracer)
	defer guard.Release()

	if !guard.Ok() {
		return fmt.Errorf("failed to attach to target process %d - %w",
			o.config.Child.Pid(), guard.Err())
	}

	stats, err := o.config.Scanner.Scan(o.config.InjectStrategy)
	if err != nil {
		return fmt.Errorf("scan failed - %w", err)
	}

	o.logger.Infof("%s", stats)

	return nil
}

// RunCommand idles until the target asks for something through the
// command channel, dispatching each request with an acknowledgment.
// A target that dies to SIGSEGV gets one synthesized Restore through
// the same dispatch path; any other exit ends the loop cleanly.
func (o *Controller) RunCommand() error {
	if o.config.Checkpoint == nil {
		return errors.New("command mode requires a checkpoint store")
	}

	if o.config.Commands == nil {
		return errors.New("command mode requires a command source")
	}

	for {
		if !o.config.Child.Running() {
			if !o.maybeRestoreAfterCrash() {
				o.logger.Infof("target process exited; ending command loop")
				return nil
			}
		}

		if o.config.Commands.Pending() {
			cmd := o.config.Commands.Take()
			o.logger.Infof("received %v command", cmd.Kind)
			o.dispatch(cmd)
		}

		time.Sleep(commandPollInterval)
	}
}

// maybeRestoreAfterCrash synthesizes a Restore for a SIGSEGV death.
// It reports whether the loop should continue.
func (o *Controller) maybeRestoreAfterCrash() bool {
	sig, signaled := o.config.Child.ExitSignal()
	if !signaled || sig != unix.SIGSEGV {
		return false
	}

	if o.crashRestoreTried {
		return false
	}

	o.crashRestoreTried = true
	o.logger.Infof("target process segfaulted - synthesizing restore")
	o.config.Commands.Inject(cmdchan.Command{Kind: cmdchan.Restore})

	return true
}

// dispatch services one command and always acknowledges it, success
// or not.
func (o *Controller) dispatch(cmd cmdchan.Command) bool {
	guard := proctrace.NewAttachGuard(o.config.Tracer)
	defer guard.Release()

	success := true

	switch cmd.Kind {
	case cmdchan.NoOp:

	case cmdchan.Checkpoint:
		success = o.requireAttached(guard, func() error {
			return o.config.Checkpoint.Create()
		})

	case cmdchan.Restore:
		// Restore runs even without an attachment: a full-process
		// backend can resurrect a target that is already dead.
		err := o.config.Checkpoint.Restore()
		if err != nil {
			o.logger.Errorf("restore failed - %v", err)
			success = false
		} else {
			o.config.Child.Revive()
			if o.config.Child.Running() {
				o.crashRestoreTried = false
			}
		}

	case cmdchan.InjectErrors:
		success = o.requireAttached(guard, func() error {
			return o.logScan(o.config.InjectStrategy)
		})

	case cmdchan.Scan:
		success = o.requireAttached(guard, func() error {
			return o.logScan(scankit.NullStrategy{})
		})

	default:
		o.logger.Errorf("ignoring unknown command kind %v", cmd.Kind)
		success = false
	}

	err := o.config.Commands.SendResponse()
	if err != nil {
		o.logger.Errorf("failed to acknowledge %v command - %v", cmd.Kind, err)
	}

	if !success {
		o.logger.Errorf("%v command failed", cmd.Kind)
	}

	return success
}

func (o *Controller) requireAttached(guard *proctrace.AttachGuard, fn func() error) bool {
	if !guard.Ok() {
		o.logger.Errorf("failed to attach for command processing - %v", guard.Err())
		return false
	}

	err := fn()
	if err != nil {
		o.logger.Errorf("command processing failed - %v", err)
		return false
	}

	return true
}

func (o *Controller) logScan(strategy scankit.Strategy) error {
	stats, err := o.config.Scanner.Scan(strategy)
	if err != nil {
		return err
	}

	o.logger.Infof("%s", stats)

	return nil
}

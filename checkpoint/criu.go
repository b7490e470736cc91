package checkpoint

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/proctrace"
)

// Backend snapshots and restores a whole process out of band. Unlike
// the in-process Store it can resurrect a target that has since died,
// which is what makes crash-triggered restores work.
type Backend interface {
	Create(pid int) error
	Restore(pid int) error
}

// CriuBackend drives the criu binary. Snapshot images live in a
// per-pid directory under /tmp (or Dir, if set).
type CriuBackend struct {
	// Dir optionally overrides the parent directory of the per-pid
	// image directories.
	Dir string

	// OptLogger defaults to the logrus standard logger.
	OptLogger logrus.FieldLogger
}

func (o CriuBackend) imageDir(pid int) string {
	parent := o.Dir
	if parent == "" {
		parent = os.TempDir()
	}

	return fmt.Sprintf("%s/checkpoint_%d", parent, pid)
}

func (o CriuBackend) logger() logrus.FieldLogger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return logrus.StandardLogger()
}

func (o CriuBackend) Create(pid int) error {
	dir := o.imageDir(pid)

	err := os.MkdirAll(dir, 0o777)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint directory - %w", err)
	}

	criu := exec.Command("criu", "dump",
		"--tree", strconv.Itoa(pid),
		"--images-dir", dir,
		"--shell-job",
		"--leave-running",
		"-v4",
		"--log-file", "dump.log")

	out, err := criu.CombinedOutput()
	if err != nil {
		return fmt.Errorf("criu dump of pid %d failed - %w - output: %s", pid, err, out)
	}

	o.logger().Infof("criu dumped pid %d to %s", pid, dir)

	return nil
}

func (o CriuBackend) Restore(pid int) error {
	dir := o.imageDir(pid)

	_, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("checkpoint directory does not exist - %w", err)
	}

	criu := exec.Command("criu", "restore",
		"--images-dir", dir,
		"--shell-job",
		"--restore-detached",
		"-v4",
		"--log-file", "restore.log")

	out, err := criu.CombinedOutput()
	if err != nil {
		return fmt.Errorf("criu restore of pid %d failed - %w - output: %s", pid, err, out)
	}

	o.logger().Infof("criu restored pid %d from %s", pid, dir)

	return nil
}

// FullProcessStore adapts a Backend to the Checkpointer contract. It
// detaches around each backend call (the backend needs the target
// unfrozen) and reattaches afterward iff the target had been attached.
type FullProcessStore struct {
	target  Detacher
	backend Backend
	pid     int
	logger  logrus.FieldLogger
}

// Detacher extends ProcessIO with the attach lifecycle FullProcessStore
// needs.
type Detacher interface {
	ProcessIO
	Attach() error
	Detach() error
	Pid() int
}

func NewFullProcessStore(target Detacher, backend Backend, optLogger logrus.FieldLogger) *FullProcessStore {
	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &FullProcessStore{
		target:  target,
		backend: backend,
		pid:     target.Pid(),
		logger:  logger,
	}
}

func (o *FullProcessStore) Create() error {
	return o.around(func() error {
		return o.backend.Create(o.pid)
	})
}

func (o *FullProcessStore) Restore() error {
	return o.around(func() error {
		return o.backend.Restore(o.pid)
	})
}

// Clear is a no-op; backend images persist until replaced.
func (o *FullProcessStore) Clear() {}

func (o *FullProcessStore) around(fn func() error) error {
	wasAttached := o.target.IsAttached()
	if wasAttached {
		err := o.target.Detach()
		if err != nil {
			return fmt.Errorf("failed to detach before snapshot operation - %w", err)
		}
	}

	opErr := fn()

	if wasAttached {
		err := o.target.Attach()
		if err != nil {
			if opErr != nil {
				return fmt.Errorf("%w (also failed to reattach: %v)", opErr, err)
			}
			return fmt.Errorf("failed to reattach after snapshot operation - %w", err)
		}
	}

	return opErr
}

var _ Checkpointer = (*Store)(nil)
var _ Checkpointer = (*FullProcessStore)(nil)
var _ ProcessIO = (*proctrace.Controller)(nil)

package cmdchan

import (
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
)

// ResponseTimeout bounds the wait for the monitor's acknowledgment.
const ResponseTimeout = 5 * time.Second

// Client is the target-process side of the channel. Workloads create
// one at startup and use SendCommand to ask their monitor for
// checkpoints, restores, and scans.
type Client struct {
	monitorPid int
	responses  chan os.Signal
	logger     logrus.FieldLogger
}

// NewClient subscribes to the monitor's response signal. The monitor
// is assumed to be the parent process.
func NewClient(optLogger logrus.FieldLogger) *Client {
	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	responses := make(chan os.Signal, 1)
	signal.Notify(responses, ResponseSignal)

	return &Client{
		monitorPid: os.Getppid(),
		responses:  responses,
		logger:     logger,
	}
}

// SendCommand queues cmd at the monitor and waits up to
// ResponseTimeout for the acknowledgment. It returns false on a send
// failure or timeout.
func (o *Client) SendCommand(cmd Command) bool {
	packed, err := cmd.Pack()
	if err != nil {
		o.logger.Errorf("failed to pack command - %v", err)
		return false
	}

	// Drop any stale acknowledgment from an earlier, timed-out send.
	select {
	case <-o.responses:
	default:
	}

	err = writeMailbox(os.Getpid(), packed)
	if err != nil {
		o.logger.Errorf("failed to mirror command payload - %v", err)
		return false
	}

	o.logger.Debugf("sending %v command to monitor pid %d", cmd.Kind, o.monitorPid)

	err = sigqueue(o.monitorPid, RequestSignal, packed)
	if err != nil {
		o.logger.Errorf("failed to send command signal - %v", err)
		return false
	}

	select {
	case <-o.responses:
		return true
	case <-time.After(ResponseTimeout):
		o.logger.Errorf("timed out waiting for monitor response to %v", cmd.Kind)
		return false
	}
}

// Close unsubscribes from the response signal.
func (o *Client) Close() {
	signal.Stop(o.responses)
}

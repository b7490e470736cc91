package cmdchan

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Receiver is the monitor side of the channel. A watcher goroutine
// stands in for a signal handler: on each request doorbell it loads
// the mirrored payload, stores it into a single atomic 64-bit slot,
// and raises the pending flag. The main loop polls Pending and drains
// with Take; slot and flag are the only shared state.
type Receiver struct {
	childPid int
	slot     atomic.Uint64
	pending  atomic.Bool
	signals  chan os.Signal
	done     chan struct{}
	logger   logrus.FieldLogger
}

// NewReceiver subscribes to the request signal and starts the watcher.
func NewReceiver(childPid int, optLogger logrus.FieldLogger) *Receiver {
	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	signals := make(chan os.Signal, 16)
	signal.Notify(signals, RequestSignal)

	receiver := &Receiver{
		childPid: childPid,
		signals:  signals,
		done:     make(chan struct{}),
		logger:   logger,
	}

	go receiver.watch()

	return receiver
}

func (o *Receiver) watch() {
	for {
		select {
		case <-o.done:
			return
		case <-o.signals:
			packed, err := readMailbox(o.childPid)
			if err != nil {
				o.logger.Warnf("request signal without readable payload - %v", err)
				continue
			}

			o.slot.Store(packed)
			o.pending.Store(true)
		}
	}
}

// Pending reports whether a command is waiting to be taken.
func (o *Receiver) Pending() bool {
	return o.pending.Load()
}

// Take clears the pending flag and unpacks the last stored payload.
func (o *Receiver) Take() Command {
	o.pending.Store(false)
	return Unpack(o.slot.Load())
}

// Inject feeds a synthesized command through the same slot the watcher
// uses. The crash-triggered restore path relies on this.
func (o *Receiver) Inject(cmd Command) {
	packed, err := cmd.Pack()
	if err != nil {
		o.logger.Errorf("refusing to inject unpackable command - %v", err)
		return
	}

	o.slot.Store(packed)
	o.pending.Store(true)
}

// SendResponse acknowledges the current command to the target,
// regardless of the dispatch outcome.
func (o *Receiver) SendResponse() error {
	return sigqueue(o.childPid, ResponseSignal, 0)
}

// Close unsubscribes from the request signal and stops the watcher.
func (o *Receiver) Close() {
	signal.Stop(o.signals)
	close(o.done)
}

// Package cmdchan implements the signal-driven command protocol
// between a monitored child process and its monitor parent.
//
// The child queues a REQUEST signal (SIGUSR1) at the monitor with a
// 64-bit payload packing the command; the monitor acknowledges with a
// RESPONSE signal (SIGUSR2) once the command has been dispatched. The
// Go runtime's signal facility does not surface sigqueue payloads, so
// the sender also mirrors the packed word through a small per-pid
// mailbox file that the receiver reads when the doorbell rings. The
// signal still carries the payload for the benefit of non-Go peers.
package cmdchan

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// RequestSignal is queued by the target at the monitor.
	RequestSignal = unix.SIGUSR1

	// ResponseSignal is queued by the monitor at the target.
	ResponseSignal = unix.SIGUSR2
)

// Kind identifies a command.
type Kind uint8

const (
	NoOp Kind = iota
	Checkpoint
	Restore
	InjectErrors
	Scan
)

func (o Kind) String() string {
	switch o {
	case NoOp:
		return "noop"
	case Checkpoint:
		return "checkpoint"
	case Restore:
		return "restore"
	case InjectErrors:
		return "inject-errors"
	case Scan:
		return "scan"
	default:
		return fmt.Sprintf("kind(%d)", uint8(o))
	}
}

const (
	paramBits = 28
	paramMax  = 1<<paramBits - 1
)

// Command is one request from the target to the monitor.
type Command struct {
	Kind   Kind
	Param1 uint64
	Param2 uint64
}

// Pack encodes the command into one 64-bit word: the kind in bits
// 56..63, Param1 in bits 28..55, Param2 in bits 0..27. Parameters must
// fit in 28 bits.
func (o Command) Pack() (uint64, error) {
	if o.Param1 > paramMax {
		return 0, fmt.Errorf("param1 0x%x exceeds %d bits", o.Param1, paramBits)
	}

	if o.Param2 > paramMax {
		return 0, fmt.Errorf("param2 0x%x exceeds %d bits", o.Param2, paramBits)
	}

	return uint64(o.Kind)<<56 | o.Param1<<paramBits | o.Param2, nil
}

// Unpack decodes a word produced by Pack.
func Unpack(packed uint64) Command {
	return Command{
		Kind:   Kind(packed >> 56),
		Param1: (packed >> paramBits) & paramMax,
		Param2: packed & paramMax,
	}
}

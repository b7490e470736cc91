package cmdchan

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// siginfo mirrors the kernel's siginfo_t layout for queued (SI_QUEUE)
// signals on 64-bit Linux: the three header words, four bytes of
// padding, then the _rt member of the union.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Pid   int32
	Uid   int32
	Value uint64
	_     [96]byte
}

const siQueue = -1

// sigqueue queues sig at pid with a 64-bit value, like sigqueue(3).
func sigqueue(pid int, sig unix.Signal, value uint64) error {
	info := siginfo{
		Signo: int32(sig),
		Code:  siQueue,
		Pid:   int32(unix.Getpid()),
		Uid:   int32(unix.Getuid()),
		Value: value,
	}

	_, _, errno := unix.Syscall(
		unix.SYS_RT_SIGQUEUEINFO,
		uintptr(pid),
		uintptr(sig),
		uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return fmt.Errorf("failed to queue signal %v at pid %d - %w", sig, pid, errno)
	}

	return nil
}

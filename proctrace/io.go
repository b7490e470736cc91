package proctrace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const wordSize = 8

// ReadMemory fills buf from the target's memory at addr. The batched
// process_vm_readv path is tried first; if the syscall itself fails
// (commonly EPERM under restrictive yama settings) the word-granular
// PTRACE_PEEKDATA fallback is used. A partial transfer on the batched
// path is an error, not a silent success.
func (o *Controller) ReadMemory(addr uint64, buf []byte) error {
	if !o.attached {
		return ErrNotAttached
	}

	if len(buf) == 0 {
		return nil
	}

	n, err := processVMRead(o.pid, addr, buf)
	if err == nil {
		if n != len(buf) {
			return fmt.Errorf("partial read at 0x%x: %d of %d bytes", addr, n, len(buf))
		}
		return nil
	}

	return o.peekData(addr, buf)
}

// WriteMemory copies data into the target's memory at addr, with the
// same fast-path/fallback split as ReadMemory. On the fallback path a
// trailing partial word is written read-modify-write so that adjacent
// bytes are preserved.
func (o *Controller) WriteMemory(addr uint64, data []byte) error {
	if !o.attached {
		return ErrNotAttached
	}

	if len(data) == 0 {
		return nil
	}

	n, err := processVMWrite(o.pid, addr, data)
	if err == nil {
		if n != len(data) {
			return fmt.Errorf("partial write at 0x%x: %d of %d bytes", addr, n, len(data))
		}
		return nil
	}

	o.logger.Debugf("process_vm_writev failed (%v), falling back to ptrace", err)

	return o.pokeData(addr, data)
}

func processVMRead(pid int, addr uint64, buf []byte) (int, error) {
	localIov := unix.Iovec{
		Base: &buf[0],
		Len:  uint64(len(buf)),
	}

	remoteIov := unix.RemoteIovec{
		Base: uintptr(addr),
		Len:  len(buf),
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_PROCESS_VM_READV,
		uintptr(pid),
		uintptr(unsafe.Pointer(&localIov)),
		1,
		uintptr(unsafe.Pointer(&remoteIov)),
		1,
		0)
	if errno != 0 {
		return 0, errno
	}

	return int(n), nil
}

func processVMWrite(pid int, addr uint64, data []byte) (int, error) {
	localIov := unix.Iovec{
		Base: &data[0],
		Len:  uint64(len(data)),
	}

	remoteIov := unix.RemoteIovec{
		Base: uintptr(addr),
		Len:  len(data),
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_PROCESS_VM_WRITEV,
		uintptr(pid),
		uintptr(unsafe.Pointer(&localIov)),
		1,
		uintptr(unsafe.Pointer(&remoteIov)),
		1,
		0)
	if errno != 0 {
		return 0, errno
	}

	return int(n), nil
}

// peekData reads one word at a time. The final word is read in full
// even when buf ends mid-word, mirroring the write side's handling.
func (o *Controller) peekData(addr uint64, buf []byte) error {
	var word [wordSize]byte

	for offset := 0; offset < len(buf); offset += wordSize {
		_, err := unix.PtracePeekData(o.pid, uintptr(addr)+uintptr(offset), word[:])
		if err != nil {
			return fmt.Errorf("failed to peek word at 0x%x - %w", addr+uint64(offset), err)
		}

		copy(buf[offset:], word[:])
	}

	return nil
}

func (o *Controller) pokeData(addr uint64, data []byte) error {
	full := len(data) / wordSize * wordSize

	for offset := 0; offset < full; offset += wordSize {
		_, err := unix.PtracePokeData(o.pid, uintptr(addr)+uintptr(offset),
			data[offset:offset+wordSize])
		if err != nil {
			return fmt.Errorf("failed to poke word at 0x%x - %w", addr+uint64(offset), err)
		}
	}

	remaining := len(data) - full
	if remaining == 0 {
		return nil
	}

	// Read-modify-write the final word so the bytes past the end of
	// data keep their current values.
	tailAddr := uintptr(addr) + uintptr(full)

	var word [wordSize]byte

	_, err := unix.PtracePeekData(o.pid, tailAddr, word[:])
	if err != nil {
		return fmt.Errorf("failed to peek final word at 0x%x - %w", addr+uint64(full), err)
	}

	copy(word[:remaining], data[full:])

	_, err = unix.PtracePokeData(o.pid, tailAddr, word[:])
	if err != nil {
		return fmt.Errorf("failed to poke final word at 0x%x - %w", addr+uint64(full), err)
	}

	return nil
}

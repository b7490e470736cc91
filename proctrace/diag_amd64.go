//go:build linux && amd64

package proctrace

import (
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// logStopSite disassembles the instruction the target stopped on and
// logs it at debug level. Failures are ignored; this is diagnostics
// only and some stop sites (e.g. unreadable vdso pages) cannot be read.
func (o *Controller) logStopSite() {
	var regs unix.PtraceRegs

	err := unix.PtraceGetRegs(o.pid, &regs)
	if err != nil {
		return
	}

	// x86asm does not export a max-instruction-length constant; 15 bytes
	// is the architectural maximum for an x86 instruction.
	const maxX86InstLen = 15

	instBytes := make([]byte, maxX86InstLen)

	err = o.ReadMemory(regs.Rip, instBytes)
	if err != nil {
		return
	}

	inst, err := x86asm.Decode(instBytes, 64)
	if err != nil {
		return
	}

	o.logger.Debugf("pid %d stopped at 0x%x: %s",
		o.pid, regs.Rip, x86asm.GNUSyntax(inst, regs.Rip, nil))
}

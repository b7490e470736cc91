package memmap

import (
	"fmt"
	"strings"
)

// PointerClass is the coarse source of a pointer-sized value: the
// region kind its target address falls in.
type PointerClass int

const (
	// ClassUnknown is an anonymous mapping (no name in /proc/<pid>/maps).
	ClassUnknown PointerClass = iota

	// ClassHeap is the program break region ("[heap]").
	ClassHeap

	// ClassStack is the main thread's stack region ("[stack]").
	ClassStack

	// ClassStatic is a named file-backed region (the binary itself,
	// shared libraries, and other mapped files).
	ClassStatic
)

func (o PointerClass) String() string {
	switch o {
	case ClassHeap:
		return "heap"
	case ClassStack:
		return "stack"
	case ClassStatic:
		return "static"
	default:
		return "unknown"
	}
}

// stackGuard pads stack regions at query time to accommodate stack
// growth between a map refresh and an address probe.
const stackGuard = 1 << 20

// Region is a half-open virtual address range [Start, End) with uniform
// permissions, parsed from one line of /proc/<pid>/maps.
type Region struct {
	Start      uint64
	End        uint64
	Readable   bool
	Writable   bool
	Executable bool
	Private    bool

	// Name is the trailing mapping name, e.g. "[heap]", "[stack]",
	// "/usr/lib/libc.so.6", or empty for anonymous mappings.
	Name string
}

// Contains reports whether addr falls inside the region.
func (o Region) Contains(addr uint64) bool {
	return addr >= o.Start && addr < o.End
}

// ContainsPadded is Contains with the stack guard applied when the
// region is a stack region. The padding is never persisted into the
// region itself.
func (o Region) ContainsPadded(addr uint64) bool {
	start := o.Start
	end := o.End

	if o.Class() == ClassStack {
		if start > stackGuard {
			start -= stackGuard
		} else {
			start = 0
		}

		end += stackGuard
	}

	return addr >= start && addr < end
}

// Size returns the region length in bytes.
func (o Region) Size() uint64 {
	return o.End - o.Start
}

// Class derives the pointer class from the mapping name.
func (o Region) Class() PointerClass {
	switch {
	case o.Name == "":
		return ClassUnknown
	case strings.Contains(o.Name, "[heap]"):
		return ClassHeap
	case strings.Contains(o.Name, "[stack]"):
		return ClassStack
	default:
		return ClassStatic
	}
}

func (o Region) String() string {
	perms := []byte("----")
	if o.Readable {
		perms[0] = 'r'
	}
	if o.Writable {
		perms[1] = 'w'
	}
	if o.Executable {
		perms[2] = 'x'
	}
	if o.Private {
		perms[3] = 'p'
	}

	return fmt.Sprintf("%x-%x %s %s", o.Start, o.End, perms, o.Name)
}

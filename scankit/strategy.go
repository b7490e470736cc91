package scankit

import (
	"gitlab.com/stephen-fox/faultkit/memmap"
)

// Strategy decides, for every scanned word, whether to leave it alone
// or replace it. The engine calls the hooks in this order:
//
//	PreScan (once)
//	  SetRegion (once per region, before that region's word loop)
//	    OnPointer / OnNonPointer (once per aligned word)
//	PostScan (once)
//
// Hook implementations must not block or perform I/O, and may observe
// the region argument only for the duration of a single call. A
// strategy shared across scan workers must synchronize its own state;
// the engine adds no locking of its own.
type Strategy interface {
	// PreScan may reset per-scan state. Returning false cancels the
	// scan cleanly before any region is read.
	PreScan() bool

	// SetRegion announces the region whose words follow. Policies
	// that only need per-region context can rely on this instead of
	// the per-word region argument.
	SetRegion(region memmap.Region)

	// OnPointer is offered a word the oracle classified as a likely
	// pointer. It returns the replacement value and true to request
	// a modification, or the original value and false to keep it.
	OnPointer(addr uint64, value uint64, writable bool, region memmap.Region) (uint64, bool)

	// OnNonPointer is the non-pointer counterpart of OnPointer.
	OnNonPointer(addr uint64, value uint64, writable bool, region memmap.Region) (uint64, bool)

	// PostScan runs after the last region, modified or not.
	PostScan()
}

// NullStrategy observes without modifying. It is the strategy behind
// read-only scan passes.
type NullStrategy struct{}

func (o NullStrategy) PreScan() bool {
	return true
}

func (o NullStrategy) SetRegion(_ memmap.Region) {}

func (o NullStrategy) OnPointer(_ uint64, value uint64, _ bool, _ memmap.Region) (uint64, bool) {
	return value, false
}

func (o NullStrategy) OnNonPointer(_ uint64, value uint64, _ bool, _ memmap.Region) (uint64, bool) {
	return value, false
}

func (o NullStrategy) PostScan() {}

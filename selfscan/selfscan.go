// Package selfscan walks the calling process' own memory for
// pointer-looking words.
//
// It is the in-process specialization of the cross-process scanner:
// "remote" I/O becomes pread on /proc/self/mem, which turns reads of
// unreadable pages into ordinary errors instead of faults, so no
// fault handler is needed. Pages that cannot be read are counted as
// skipped, exactly like a failed remote read.
package selfscan

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/memmap"
	"gitlab.com/stephen-fox/faultkit/scankit"
)

// PointerFunc is called for every word that looks like a pointer.
type PointerFunc func(addr uint64, value uint64)

// Scanner scans the calling process.
type Scanner struct {
	mem      *os.File
	regions  *memmap.RegionMap
	pageSize int
	logger   logrus.FieldLogger
}

// New opens /proc/self/mem and takes an initial region snapshot.
func New(optLogger logrus.FieldLogger) (*Scanner, error) {
	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	mem, err := os.Open("/proc/self/mem")
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc/self/mem - %w", err)
	}

	scanner := &Scanner{
		mem:      mem,
		pageSize: os.Getpagesize(),
		logger:   logger,
	}

	err = scanner.Refresh()
	if err != nil {
		mem.Close()
		return nil, err
	}

	return scanner, nil
}

// Refresh rebuilds the region snapshot from /proc/self/maps.
func (o *Scanner) Refresh() error {
	regions, err := memmap.Self(o.logger)
	if err != nil {
		return fmt.Errorf("failed to refresh own memory map - %w", err)
	}

	o.regions = regions

	return nil
}

// Regions exposes the current snapshot, mainly so callers can consult
// the pointer oracle directly.
func (o *Scanner) Regions() *memmap.RegionMap {
	return o.regions
}

// Close releases the /proc handle.
func (o *Scanner) Close() error {
	return o.mem.Close()
}

// ScanForPointers walks every readable region page by page and calls
// fn for each aligned word the oracle accepts. Scanning mutates the
// process being scanned (the callback and bookkeeping allocate), so
// counts are a snapshot, not a fixed point.
func (o *Scanner) ScanForPointers(fn PointerFunc) (scankit.Stats, error) {
	if fn == nil {
		return scankit.Stats{}, fmt.Errorf("pointer callback cannot be nil")
	}

	stats := scankit.Stats{ScanID: uuid.New()}
	start := time.Now()

	buf := make([]byte, o.pageSize)

	for _, region := range o.regions.Readable {
		o.scanRegion(region, fn, buf, &stats)
		stats.RegionsScanned++
	}

	stats.Duration = time.Since(start)

	return stats, nil
}

func (o *Scanner) scanRegion(region memmap.Region, fn PointerFunc, buf []byte, stats *scankit.Stats) {
	pageSize := uint64(o.pageSize)

	for addr := region.Start; addr < region.End; {
		toRead := region.End - addr
		if toRead > pageSize {
			toRead = pageSize
		}

		page := buf[:toRead]

		n, err := o.mem.ReadAt(page, int64(addr))
		if err != nil || uint64(n) != toRead {
			stats.BytesSkipped += toRead
			addr += toRead
			continue
		}

		for offset := uint64(0); offset+8 <= toRead; offset += 8 {
			value := binary.LittleEndian.Uint64(page[offset:])

			if o.regions.LikelyPointer(value) {
				stats.PointersFound++
				fn(addr+offset, value)
			}
		}

		stats.TotalBytesScanned += toRead
		stats.BytesReadable += toRead
		if region.Writable {
			stats.BytesWritable += toRead
		}
		if region.Executable {
			stats.BytesExecutable += toRead
		}

		addr += toRead
	}
}

package checkpoint

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/memmap"
	"gitlab.com/stephen-fox/faultkit/proctrace"
)

var (
	// ErrNoCheckpoint is returned by Restore when nothing was stored.
	ErrNoCheckpoint = errors.New("no checkpoint exists")

	// ErrRegionDrift is returned by Restore when the target's
	// writable regions no longer match the stored ones.
	ErrRegionDrift = errors.New("memory regions changed since checkpoint")
)

// Checkpointer is the contract shared by both snapshot modes: calling
// Restore returns the target's writable memory to the state it had at
// Create.
type Checkpointer interface {
	Create() error
	Restore() error
	Clear()
}

// ProcessIO is the slice of proctrace.Controller the store needs.
type ProcessIO interface {
	IsAttached() bool
	RefreshRegions() error
	Regions() *memmap.RegionMap
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

// Chunk is one contiguous run of snapshotted bytes.
type Chunk struct {
	Addr uint64
	Data []byte
}

// Store is the user-space snapshot mode: it captures every readable
// and writable region of the target into in-process chunks and writes
// them back bit-exactly on restore.
type Store struct {
	target  ProcessIO
	chunks  []Chunk
	regions []memmap.Region
	logger  logrus.FieldLogger
}

func NewStore(target ProcessIO, optLogger logrus.FieldLogger) *Store {
	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Store{
		target: target,
		logger: logger,
	}
}

// Create snapshots the target's writable memory. The target must be
// attached. Non-writable regions are skipped; they do not need
// restoring.
func (o *Store) Create() error {
	if !o.target.IsAttached() {
		return proctrace.ErrNotAttached
	}

	err := o.target.RefreshRegions()
	if err != nil {
		return fmt.Errorf("failed to refresh regions before checkpoint - %w", err)
	}

	o.chunks = nil
	o.regions = writableRegions(o.target.Regions())

	for _, region := range o.regions {
		chunk := Chunk{
			Addr: region.Start,
			Data: make([]byte, region.Size()),
		}

		err := o.target.ReadMemory(chunk.Addr, chunk.Data)
		if err != nil {
			o.Clear()
			return fmt.Errorf("failed to read region %v - %w", region, err)
		}

		o.chunks = append(o.chunks, chunk)
	}

	o.logger.Infof("checkpointed %d writable regions", len(o.chunks))

	return nil
}

// Restore writes the stored chunks back. The current writable regions
// must match the stored ones by start, end, and writable flag, in
// order; otherwise the restore aborts with ErrRegionDrift and the
// chunks are left intact. A chunk write failure also leaves the store
// intact, so a retry may succeed.
func (o *Store) Restore() error {
	if !o.target.IsAttached() {
		return proctrace.ErrNotAttached
	}

	if len(o.chunks) == 0 {
		return ErrNoCheckpoint
	}

	err := o.target.RefreshRegions()
	if err != nil {
		return fmt.Errorf("failed to refresh regions before restore - %w", err)
	}

	current := writableRegions(o.target.Regions())

	if !sameRegions(o.regions, current) {
		return ErrRegionDrift
	}

	for _, chunk := range o.chunks {
		err := o.target.WriteMemory(chunk.Addr, chunk.Data)
		if err != nil {
			return fmt.Errorf("failed to restore chunk at 0x%x - %w", chunk.Addr, err)
		}
	}

	o.logger.Infof("restored %d writable regions", len(o.chunks))

	return nil
}

// Clear discards the stored chunks.
func (o *Store) Clear() {
	o.chunks = nil
	o.regions = nil
}

func writableRegions(rm *memmap.RegionMap) []memmap.Region {
	var writable []memmap.Region

	for _, region := range rm.Readable {
		if region.Writable {
			writable = append(writable, region)
		}
	}

	return writable
}

func sameRegions(a []memmap.Region, b []memmap.Region) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Start != b[i].Start ||
			a[i].End != b[i].End ||
			a[i].Writable != b[i].Writable {
			return false
		}
	}

	return true
}

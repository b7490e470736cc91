package scankit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/memmap"
	"gitlab.com/stephen-fox/faultkit/proctrace"
)

// ErrCanceled is returned when the strategy's PreScan hook declines
// the scan.
var ErrCanceled = errors.New("scan canceled by strategy")

// MemoryIO is the slice of proctrace.Controller the engine needs.
type MemoryIO interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
	PageSize() int
}

// Config configures one scan pass.
type Config struct {
	// IO reads and writes the target's memory.
	IO MemoryIO

	// Regions is the map built by the controller's last refresh. Its
	// readable view is the scan set; its full view feeds the pointer
	// oracle. It must not be mutated during the scan.
	Regions *memmap.RegionMap

	// NumWorkers is the number of scan goroutines. Regions are
	// assigned round-robin: region i goes to worker i % NumWorkers.
	NumWorkers int

	// OptLogger defaults to the logrus standard logger.
	OptLogger logrus.FieldLogger
}

func (o Config) validate() error {
	if o.IO == nil {
		return errors.New("memory io cannot be nil")
	}

	if o.Regions == nil {
		return errors.New("region map cannot be nil")
	}

	if o.NumWorkers <= 0 {
		return fmt.Errorf("number of workers must be greater than 0 - got %d", o.NumWorkers)
	}

	return nil
}

// ScanForPointers walks every readable region, classifies each aligned
// 8-byte word with the pointer oracle, and offers it to the strategy.
// Pages whose words were modified are written back iff their region is
// writable.
//
// Page read failures are not fatal; the failed bytes are counted as
// skipped and the scan continues. A controller-level disconnect aborts
// the scan and is returned to the caller.
func ScanForPointers(config Config, strategy Strategy) (Stats, error) {
	err := config.validate()
	if err != nil {
		return Stats{}, err
	}

	logger := config.OptLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	stats := Stats{ScanID: uuid.New()}

	if !strategy.PreScan() {
		return stats, ErrCanceled
	}

	start := time.Now()

	numWorkers := config.NumWorkers
	if numWorkers > len(config.Regions.Readable) && len(config.Regions.Readable) > 0 {
		numWorkers = len(config.Regions.Readable)
	}

	workerRegions := make([][]memmap.Region, numWorkers)
	for i, region := range config.Regions.Readable {
		workerRegions[i%numWorkers] = append(workerRegions[i%numWorkers], region)
	}

	workerStats := make([]Stats, numWorkers)

	var aborted atomic.Bool
	var abortErr error
	var abortOnce sync.Once

	var wg sync.WaitGroup
	for workerID := 0; workerID < numWorkers; workerID++ {
		wg.Add(1)

		go func(workerID int) {
			defer wg.Done()

			walker := regionWalker{
				io:       config.IO,
				regions:  config.Regions,
				strategy: strategy,
				logger:   logger,
			}

			for _, region := range workerRegions[workerID] {
				if aborted.Load() {
					return
				}

				err := walker.walk(region, &workerStats[workerID])
				if err != nil {
					abortOnce.Do(func() {
						abortErr = err
						aborted.Store(true)
					})
					return
				}

				workerStats[workerID].RegionsScanned++
			}
		}(workerID)
	}

	wg.Wait()

	strategy.PostScan()

	for _, workerStat := range workerStats {
		stats.add(workerStat)
	}

	stats.Duration = time.Since(start)

	if abortErr != nil {
		return stats, fmt.Errorf("scan aborted - %w", abortErr)
	}

	return stats, nil
}

// regionWalker scans single regions page by page on behalf of one
// worker goroutine.
type regionWalker struct {
	io       MemoryIO
	regions  *memmap.RegionMap
	strategy Strategy
	logger   logrus.FieldLogger
}

func (o regionWalker) walk(region memmap.Region, stats *Stats) error {
	pageSize := uint64(o.io.PageSize())
	buf := make([]byte, pageSize)

	o.strategy.SetRegion(region)

	for addr := region.Start; addr < region.End; {
		toRead := region.End - addr
		if toRead > pageSize {
			toRead = pageSize
		}

		page := buf[:toRead]

		err := o.io.ReadMemory(addr, page)
		if err != nil {
			if errors.Is(err, proctrace.ErrNotAttached) {
				return err
			}

			stats.BytesSkipped += toRead
			addr += toRead
			continue
		}

		dirty := false

		for offset := uint64(0); offset+wordSize <= toRead; offset += wordSize {
			value := binary.LittleEndian.Uint64(page[offset:])

			var newValue uint64
			var modified bool

			if o.regions.LikelyPointer(value) {
				stats.PointersFound++
				newValue, modified = o.strategy.OnPointer(
					addr+offset, value, region.Writable, region)
			} else {
				newValue, modified = o.strategy.OnNonPointer(
					addr+offset, value, region.Writable, region)
			}

			if modified {
				dirty = true
				binary.LittleEndian.PutUint64(page[offset:], newValue)
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

		if dirty && region.Writable {
			err := o.io.WriteMemory(addr, page)
			if err != nil {
				if errors.Is(err, proctrace.ErrNotAttached) {
					return err
				}

				o.logger.Errorf("failed to write modified page back to 0x%x - %v", addr, err)
			}
		}

		addr += toRead
	}

	return nil
}

const wordSize = 8

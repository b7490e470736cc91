package scankit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stats accumulates counters for one scan pass. Workers keep their own
// copy; the engine sums them element-wise once all workers are done.
type Stats struct {
	// ScanID correlates the log lines of one scan pass.
	ScanID uuid.UUID

	RegionsScanned    uint64
	TotalBytesScanned uint64
	BytesReadable     uint64
	BytesWritable     uint64
	BytesExecutable   uint64
	BytesSkipped      uint64
	PointersFound     uint64
	Duration          time.Duration
}

func (o *Stats) add(other Stats) {
	o.RegionsScanned += other.RegionsScanned
	o.TotalBytesScanned += other.TotalBytesScanned
	o.BytesReadable += other.BytesReadable
	o.BytesWritable += other.BytesWritable
	o.BytesExecutable += other.BytesExecutable
	o.BytesSkipped += other.BytesSkipped
	o.PointersFound += other.PointersFound
}

func (o Stats) String() string {
	var pointerPercent float64
	if denom := o.BytesReadable - o.BytesExecutable; denom > 0 {
		pointerPercent = 100 * 8 * float64(o.PointersFound) / float64(denom)
	}

	return fmt.Sprintf(`scan statistics (%s):
  regions scanned:         %d
  total bytes scanned:     %d (%.2f MB)
  readable bytes:          %d (%.2f MB)
  writable bytes:          %d (%.2f MB)
  executable bytes:        %d (%.2f MB)
  bytes skipped:           %d (%.2f MB)
  pointers found:          %d
  pointers as %% of memory: %.2f%%
  scan time:               %d ms`,
		o.ScanID,
		o.RegionsScanned,
		o.TotalBytesScanned, mb(o.TotalBytesScanned),
		o.BytesReadable, mb(o.BytesReadable),
		o.BytesWritable, mb(o.BytesWritable),
		o.BytesExecutable, mb(o.BytesExecutable),
		o.BytesSkipped, mb(o.BytesSkipped),
		o.PointersFound,
		pointerPercent,
		o.Duration.Milliseconds())
}

func mb(n uint64) float64 {
	return float64(n) / (1024.0 * 1024.0)
}

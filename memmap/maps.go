package memmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrNoRegions is returned by a refresh that parsed zero usable regions.
var ErrNoRegions = errors.New("no memory regions parsed")

// RegionMap holds two views over the regions of one /proc/<pid>/maps
// snapshot, both sorted by start address:
//
//   - Readable is the scan set: every region with the read permission.
//   - All is the pointer target set: every region, with fragments merged
//     wherever the kernel reported adjacent or overlapping ranges.
type RegionMap struct {
	All      []Region
	Readable []Region
}

// ForPid reads and parses /proc/<pid>/maps.
func ForPid(pid int, optLogger logrus.FieldLogger) (*RegionMap, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s - %w", path, err)
	}
	defer f.Close()

	return Parse(f, optLogger)
}

// Self reads and parses the calling process' own memory map.
func Self(optLogger logrus.FieldLogger) (*RegionMap, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc/self/maps - %w", err)
	}
	defer f.Close()

	return Parse(f, optLogger)
}

// Parse builds a RegionMap from maps-format text. Lines that fail to
// parse are skipped with a warning; parsing continues. An input that
// yields no regions at all is an error.
func Parse(r io.Reader, optLogger logrus.FieldLogger) (*RegionMap, error) {
	logger := optLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var all []Region
	var readable []Region

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		region, err := ParseLine(line)
		if err != nil {
			logger.Warnf("skipping unparsable maps line %q - %v", line, err)
			continue
		}

		all = append(all, region)
		if region.Readable {
			readable = append(readable, region)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps data - %w", err)
	}

	if len(all) == 0 {
		return nil, ErrNoRegions
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Start < all[j].Start
	})
	sort.Slice(readable, func(i, j int) bool {
		return readable[i].Start < readable[j].Start
	})

	return &RegionMap{
		All:      mergeRegions(all, logger),
		Readable: readable,
	}, nil
}

// ParseLine parses a single maps line of the form:
//
//	start-end perms offset dev inode[ name]
//
// Only the address pair, the four-character permission field, and the
// trailing name are significant.
func ParseLine(line string) (Region, error) {
	addrRange, rest := nextField(line)
	perms, rest := nextField(rest)

	dashIndex := strings.IndexByte(addrRange, '-')
	if dashIndex < 0 {
		return Region{}, fmt.Errorf("address range %q has no '-'", addrRange)
	}

	start, err := strconv.ParseUint(addrRange[:dashIndex], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("failed to parse start address - %w", err)
	}

	end, err := strconv.ParseUint(addrRange[dashIndex+1:], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("failed to parse end address - %w", err)
	}

	if start >= end {
		return Region{}, fmt.Errorf("start 0x%x is not below end 0x%x", start, end)
	}

	if len(perms) != 4 {
		return Region{}, fmt.Errorf("permission field %q is not four characters", perms)
	}

	// Skip offset, device, and inode. The name is whatever remains.
	_, rest = nextField(rest)
	_, rest = nextField(rest)
	_, rest = nextField(rest)

	return Region{
		Start:      start,
		End:        end,
		Readable:   perms[0] == 'r',
		Writable:   perms[1] == 'w',
		Executable: perms[2] == 'x',
		Private:    perms[3] == 'p',
		Name:       strings.TrimSpace(rest),
	}, nil
}

// nextField splits off the first whitespace-separated token, returning
// it and the unconsumed remainder of the line.
func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")

	end := strings.IndexAny(s, " \t")
	if end < 0 {
		return s, ""
	}

	return s[:end], s[end:]
}

// mergeRegions collapses sorted regions wherever prev.End >= next.Start.
// The merged end is the maximum of the two; permissions propagate by
// logical OR; the first region's name is kept for classification.
// Kernel-reported adjacency usually reflects split anonymous fragments
// rather than true overlap, so a strict overlap gets a warning.
func mergeRegions(sorted []Region, logger logrus.FieldLogger) []Region {
	if len(sorted) == 0 {
		return nil
	}

	merged := make([]Region, 0, len(sorted))
	merged = append(merged, sorted[0])

	for _, next := range sorted[1:] {
		prev := &merged[len(merged)-1]

		if prev.End < next.Start {
			merged = append(merged, next)
			continue
		}

		if prev.End > next.Start {
			logger.Warnf("regions overlap strictly: %v and %v", *prev, next)
		}

		if next.End > prev.End {
			prev.End = next.End
		}

		prev.Readable = prev.Readable || next.Readable
		prev.Writable = prev.Writable || next.Writable
		prev.Executable = prev.Executable || next.Executable
		prev.Private = prev.Private || next.Private
	}

	return merged
}

// FindRegion binary-searches All for the region containing addr,
// applying the stack guard at the boundary test.
func (o *RegionMap) FindRegion(addr uint64) (Region, bool) {
	index := sort.Search(len(o.All), func(i int) bool {
		return o.All[i].Start > addr
	})
	if index == 0 {
		// The address may still land in the padded prefix of a
		// stack region that starts above it.
		if len(o.All) > 0 && o.All[0].ContainsPadded(addr) {
			return o.All[0], true
		}
		return Region{}, false
	}

	region := o.All[index-1]
	if region.ContainsPadded(addr) {
		return region, true
	}

	// The guard also extends a stack region downward, so the covering
	// region may be the next one up.
	if index < len(o.All) && o.All[index].ContainsPadded(addr) {
		return o.All[index], true
	}

	return Region{}, false
}

// Contains reports whether addr falls in any region of All.
func (o *RegionMap) Contains(addr uint64) bool {
	_, found := o.FindRegion(addr)
	return found
}

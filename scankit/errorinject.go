package scankit

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/memmap"
)

// ErrorType selects the fault model applied to a word.
type ErrorType int

const (
	// BitFlip XORs a uniformly chosen bit.
	BitFlip ErrorType = iota

	// StuckAtZero clears a uniformly chosen bit.
	StuckAtZero

	// StuckAtOne sets a uniformly chosen bit.
	StuckAtOne
)

func (o ErrorType) String() string {
	switch o {
	case BitFlip:
		return "bitflip"
	case StuckAtZero:
		return "zero"
	case StuckAtOne:
		return "one"
	default:
		return fmt.Sprintf("errortype(%d)", int(o))
	}
}

// ParseErrorType maps the CLI spellings onto an ErrorType.
func ParseErrorType(s string) (ErrorType, error) {
	switch strings.ToLower(s) {
	case "bitflip":
		return BitFlip, nil
	case "zero":
		return StuckAtZero, nil
	case "one":
		return StuckAtOne, nil
	default:
		return 0, fmt.Errorf("unknown error type: %q", s)
	}
}

// ValueChange records one injected mutation, keyed in the strategy's
// change log by the remote address.
type ValueChange struct {
	Original   uint64
	Modified   uint64
	Class      memmap.PointerClass
	RegionName string
	When       time.Time
}

// Quota budgets injections per pointer class. A mutation in class c is
// allowed iff that class still has budget OR the wildcard does; when a
// class's own budget is exhausted the wildcard counter absorbs the
// overflow.
type Quota struct {
	HeapLimit     uint64
	StackLimit    uint64
	StaticLimit   uint64
	WildcardLimit uint64

	heap     uint64
	stack    uint64
	static   uint64
	wildcard uint64
}

// Available reports whether class c may still receive an injection.
// Words in unknown regions are never injectable.
func (o *Quota) Available(c memmap.PointerClass) bool {
	wildcardAvailable := o.wildcard < o.WildcardLimit

	switch c {
	case memmap.ClassHeap:
		return o.heap < o.HeapLimit || wildcardAvailable
	case memmap.ClassStack:
		return o.stack < o.StackLimit || wildcardAvailable
	case memmap.ClassStatic:
		return o.static < o.StaticLimit || wildcardAvailable
	default:
		return false
	}
}

// Increment consumes budget for class c: the class counter if budget
// remains, the wildcard counter otherwise.
func (o *Quota) Increment(c memmap.PointerClass) {
	switch c {
	case memmap.ClassHeap:
		if o.heap == o.HeapLimit {
			o.wildcard++
		} else {
			o.heap++
		}
	case memmap.ClassStack:
		if o.stack == o.StackLimit {
			o.wildcard++
		} else {
			o.stack++
		}
	case memmap.ClassStatic:
		if o.static == o.StaticLimit {
			o.wildcard++
		} else {
			o.static++
		}
	}
}

// Counts returns the consumed budget as (heap, stack, static, wildcard).
func (o *Quota) Counts() (uint64, uint64, uint64, uint64) {
	return o.heap, o.stack, o.static, o.wildcard
}

func (o *Quota) reset() {
	o.heap = 0
	o.stack = 0
	o.static = 0
	o.wildcard = 0
}

// ErrorInjectionConfig configures NewErrorInjection.
type ErrorInjectionConfig struct {
	// Type is the fault model.
	Type ErrorType

	// PointerRate and NonPointerRate are independent Bernoulli rates
	// in [0, 1] for pointer-classified and other words.
	PointerRate    float64
	NonPointerRate float64

	// Quota carries the per-class limits. The zero value admits no
	// injections at all.
	Quota Quota

	// Seed seeds the strategy's RNG. Zero draws a nondeterministic
	// seed from the clock.
	Seed uint64

	// OptLogger defaults to the logrus standard logger.
	OptLogger logrus.FieldLogger
}

func (o ErrorInjectionConfig) validate() error {
	if o.PointerRate < 0 || o.PointerRate > 1 {
		return fmt.Errorf("pointer error rate must be in [0, 1] - got %f", o.PointerRate)
	}

	if o.NonPointerRate < 0 || o.NonPointerRate > 1 {
		return fmt.Errorf("non-pointer error rate must be in [0, 1] - got %f", o.NonPointerRate)
	}

	return nil
}

// NewErrorInjection creates the reference injection strategy: for each
// candidate word it samples a uniform variate against the configured
// rate, consults the quota for the word's pointer class, and applies
// the configured error type, recording a ValueChange for every
// mutation.
//
// The strategy serializes its own state and may be shared by all scan
// workers.
func NewErrorInjection(config ErrorInjectionConfig) (*ErrorInjection, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate error injection config - %w", err)
	}

	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	logger := config.OptLogger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &ErrorInjection{
		errorType:      config.Type,
		pointerRate:    config.PointerRate,
		nonPointerRate: config.NonPointerRate,
		quota:          config.Quota,
		rng:            rand.New(rand.NewSource(int64(seed))),
		changes:        make(map[uint64]ValueChange),
		logger:         logger,
	}, nil
}

// ErrorInjection is the reference Strategy implementation.
type ErrorInjection struct {
	mu             sync.Mutex
	errorType      ErrorType
	pointerRate    float64
	nonPointerRate float64
	quota          Quota
	rng            *rand.Rand
	changes        map[uint64]ValueChange
	region         memmap.Region
	logger         logrus.FieldLogger
}

func (o *ErrorInjection) PreScan() bool {
	return true
}

func (o *ErrorInjection) SetRegion(region memmap.Region) {
	o.mu.Lock()
	o.region = region
	o.mu.Unlock()
}

func (o *ErrorInjection) OnPointer(addr uint64, value uint64, writable bool, region memmap.Region) (uint64, bool) {
	return o.inject(o.pointerRate, addr, value, writable, region)
}

func (o *ErrorInjection) OnNonPointer(addr uint64, value uint64, writable bool, region memmap.Region) (uint64, bool) {
	return o.inject(o.nonPointerRate, addr, value, writable, region)
}

func (o *ErrorInjection) PostScan() {}

func (o *ErrorInjection) inject(rate float64, addr uint64, value uint64, writable bool, region memmap.Region) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	class := region.Class()

	if !writable || o.rng.Float64() > rate || !o.quota.Available(class) {
		return value, false
	}

	bit := uint(o.rng.Intn(64))

	modified := value
	switch o.errorType {
	case BitFlip:
		modified ^= 1 << bit
	case StuckAtZero:
		modified &^= 1 << bit
	case StuckAtOne:
		modified |= 1 << bit
	}

	o.changes[addr] = ValueChange{
		Original:   value,
		Modified:   modified,
		Class:      class,
		RegionName: region.Name,
		When:       time.Now(),
	}

	o.quota.Increment(class)

	o.logger.Infof("injected %v error in %v region %q at 0x%x: 0x%x -> 0x%x",
		o.errorType, class, region.Name, addr, value, modified)

	return modified, true
}

// Changes returns a copy of the change log keyed by remote address.
func (o *ErrorInjection) Changes() map[uint64]ValueChange {
	o.mu.Lock()
	defer o.mu.Unlock()

	changes := make(map[uint64]ValueChange, len(o.changes))
	for addr, change := range o.changes {
		changes[addr] = change
	}

	return changes
}

// QuotaCounts returns the consumed budget as (heap, stack, static,
// wildcard).
func (o *ErrorInjection) QuotaCounts() (uint64, uint64, uint64, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.quota.Counts()
}

// Reset clears the quota counters and the change log. The strategy is
// caller-owned; callers sharing it across scans decide when a fresh
// budget begins.
func (o *ErrorInjection) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.quota.reset()
	o.changes = make(map[uint64]ValueChange)
}

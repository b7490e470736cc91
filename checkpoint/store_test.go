package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"gitlab.com/stephen-fox/faultkit/memmap"
	"gitlab.com/stephen-fox/faultkit/proctrace"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeProcess backs ProcessIO with in-memory segments and a
// swappable maps snapshot, so region drift can be simulated.
type fakeProcess struct {
	attached   bool
	mapsText   string
	regions    *memmap.RegionMap
	segments   map[uint64][]byte
	refreshErr error
	writeErr   error
}

func newFakeProcess(t *testing.T, mapsText string) *fakeProcess {
	t.Helper()

	target := &fakeProcess{
		attached: true,
		mapsText: mapsText,
		segments: make(map[uint64][]byte),
	}

	err := target.RefreshRegions()
	if err != nil {
		t.Fatal(err)
	}

	for _, region := range target.regions.Readable {
		if region.Writable {
			target.segments[region.Start] = make([]byte, region.Size())
		}
	}

	return target
}

func (o *fakeProcess) IsAttached() bool {
	return o.attached
}

func (o *fakeProcess) RefreshRegions() error {
	if o.refreshErr != nil {
		return o.refreshErr
	}

	regions, err := memmap.Parse(strings.NewReader(o.mapsText), testLogger())
	if err != nil {
		return err
	}

	o.regions = regions

	return nil
}

func (o *fakeProcess) Regions() *memmap.RegionMap {
	return o.regions
}

func (o *fakeProcess) find(addr uint64, size int) (uint64, []byte, error) {
	for start, data := range o.segments {
		if addr >= start && addr+uint64(size) <= start+uint64(len(data)) {
			return start, data, nil
		}
	}

	return 0, nil, fmt.Errorf("no segment covers 0x%x+%d", addr, size)
}

func (o *fakeProcess) ReadMemory(addr uint64, buf []byte) error {
	start, data, err := o.find(addr, len(buf))
	if err != nil {
		return err
	}

	copy(buf, data[addr-start:])

	return nil
}

func (o *fakeProcess) WriteMemory(addr uint64, data []byte) error {
	if o.writeErr != nil {
		return o.writeErr
	}

	start, segment, err := o.find(addr, len(data))
	if err != nil {
		return err
	}

	copy(segment[addr-start:], data)

	return nil
}

const fixtureMaps = `10000-10100 r--p 00000000 00:00 0   /usr/lib/fixture.so
20000-20100 rw-p 00000000 00:00 0   [heap]
30000-30200 rw-p 00000000 00:00 0
`

func TestStore_RoundTrip(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	store := NewStore(target, testLogger())

	// Known pre-checkpoint contents.
	target.segments[0x20000][0] = 0xA
	target.segments[0x30000][17] = 0x7F

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	// Damage the writable segments.
	target.segments[0x20000][0] = 0xB
	for i := range target.segments[0x30000] {
		target.segments[0x30000][i] = 0xFF
	}

	err = store.Restore()
	if err != nil {
		t.Fatal(err)
	}

	if target.segments[0x20000][0] != 0xA {
		t.Fatalf("expected 0xA after restore - got 0x%x", target.segments[0x20000][0])
	}

	if target.segments[0x30000][17] != 0x7F {
		t.Fatalf("expected 0x7F after restore - got 0x%x", target.segments[0x30000][17])
	}

	for i, b := range target.segments[0x30000] {
		if i != 17 && b != 0 {
			t.Fatalf("expected byte %d to be restored to zero - got 0x%x", i, b)
		}
	}
}

func TestStore_SkipsNonWritableRegions(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	store := NewStore(target, testLogger())

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	if len(store.chunks) != 2 {
		t.Fatalf("expected 2 chunks (writable regions only) - got %d", len(store.chunks))
	}

	for _, chunk := range store.chunks {
		if chunk.Addr == 0x10000 {
			t.Fatal("read-only region must not be checkpointed")
		}
	}
}

func TestStore_RequiresAttachment(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	target.attached = false

	store := NewStore(target, testLogger())

	err := store.Create()
	if !errors.Is(err, proctrace.ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached - got %v", err)
	}

	err = store.Restore()
	if !errors.Is(err, proctrace.ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached - got %v", err)
	}
}

func TestStore_RestoreWithoutCheckpoint(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	store := NewStore(target, testLogger())

	err := store.Restore()
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint - got %v", err)
	}
}

func TestStore_RegionDrift(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	store := NewStore(target, testLogger())

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	// The heap grew between checkpoint and restore.
	target.mapsText = `10000-10100 r--p 00000000 00:00 0   /usr/lib/fixture.so
20000-20200 rw-p 00000000 00:00 0   [heap]
30000-30200 rw-p 00000000 00:00 0
`

	err = store.Restore()
	if !errors.Is(err, ErrRegionDrift) {
		t.Fatalf("expected ErrRegionDrift - got %v", err)
	}

	// Chunks stay intact so a retry can succeed.
	if len(store.chunks) != 2 {
		t.Fatalf("expected chunks to survive a failed restore - got %d", len(store.chunks))
	}
}

func TestStore_WriteFailureLeavesChunks(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	store := NewStore(target, testLogger())

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	target.writeErr = errors.New("simulated write failure")

	err = store.Restore()
	if err == nil {
		t.Fatal("expected restore failure")
	}

	target.writeErr = nil

	err = store.Restore()
	if err != nil {
		t.Fatalf("expected retry to succeed - got %v", err)
	}
}

func TestStore_Clear(t *testing.T) {
	target := newFakeProcess(t, fixtureMaps)
	store := NewStore(target, testLogger())

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	store.Clear()

	err = store.Restore()
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint after clear - got %v", err)
	}
}

// fakeDetacher tracks attach state transitions around backend calls.
type fakeDetacher struct {
	*fakeProcess
	attachCalls int
	detachCalls int
	pid         int
}

func (o *fakeDetacher) Attach() error {
	o.attachCalls++
	o.attached = true
	return nil
}

func (o *fakeDetacher) Detach() error {
	o.detachCalls++
	o.attached = false
	return nil
}

func (o *fakeDetacher) Pid() int {
	return o.pid
}

type fakeBackend struct {
	creates       int
	restores      int
	sawAttachment bool
	target        *fakeDetacher
}

func (o *fakeBackend) Create(_ int) error {
	o.creates++
	o.sawAttachment = o.sawAttachment || o.target.attached
	return nil
}

func (o *fakeBackend) Restore(_ int) error {
	o.restores++
	o.sawAttachment = o.sawAttachment || o.target.attached
	return nil
}

func TestFullProcessStore_DetachesAroundBackend(t *testing.T) {
	target := &fakeDetacher{
		fakeProcess: newFakeProcess(t, fixtureMaps),
		pid:         1234,
	}

	backend := &fakeBackend{target: target}

	store := NewFullProcessStore(target, backend, testLogger())

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	err = store.Restore()
	if err != nil {
		t.Fatal(err)
	}

	if backend.creates != 1 || backend.restores != 1 {
		t.Fatalf("expected one create and one restore - got %d/%d",
			backend.creates, backend.restores)
	}

	if backend.sawAttachment {
		t.Fatal("backend must run with the target detached")
	}

	if target.detachCalls != 2 || target.attachCalls != 2 {
		t.Fatalf("expected detach+reattach around each call - got %d/%d",
			target.detachCalls, target.attachCalls)
	}

	if !target.attached {
		t.Fatal("expected the target to be reattached")
	}
}

func TestFullProcessStore_LeavesDetachedTargetDetached(t *testing.T) {
	target := &fakeDetacher{
		fakeProcess: newFakeProcess(t, fixtureMaps),
		pid:         1234,
	}
	target.attached = false

	backend := &fakeBackend{target: target}

	store := NewFullProcessStore(target, backend, testLogger())

	err := store.Create()
	if err != nil {
		t.Fatal(err)
	}

	if target.attached {
		t.Fatal("expected a detached target to stay detached")
	}

	if target.attachCalls != 0 {
		t.Fatalf("expected no reattach - got %d", target.attachCalls)
	}
}

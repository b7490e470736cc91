package monitor

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"gitlab.com/stephen-fox/faultkit/cmdchan"
	"gitlab.com/stephen-fox/faultkit/scankit"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeChild struct {
	mu         sync.Mutex
	pollsLeft  int
	exitSignal unix.Signal
	signaled   bool
	revives    int
}

func (o *fakeChild) Pid() int {
	return 1234
}

func (o *fakeChild) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pollsLeft <= 0 {
		return false
	}

	o.pollsLeft--
	return true
}

func (o *fakeChild) ExitSignal() (unix.Signal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitSignal, o.signaled
}

func (o *fakeChild) Revive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revives++
	o.pollsLeft = 2
	o.signaled = false
}

type fakeTracer struct {
	attached bool
	attaches int
	detaches int
	failNext bool
}

func (o *fakeTracer) IsAttached() bool {
	return o.attached
}

func (o *fakeTracer) Attach() error {
	if o.failNext {
		return errors.New("simulated attach failure")
	}
	o.attaches++
	o.attached = true
	return nil
}

func (o *fakeTracer) Detach() error {
	o.detaches++
	o.attached = false
	return nil
}

type fakeScanner struct {
	mu         sync.Mutex
	scans      int
	strategies []scankit.Strategy
	err        error
}

func (o *fakeScanner) Scan(strategy scankit.Strategy) (scankit.Stats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.scans++
	o.strategies = append(o.strategies, strategy)

	return scankit.Stats{}, o.err
}

type fakeCheckpointer struct {
	creates    int
	restores   int
	restoreErr error
}

func (o *fakeCheckpointer) Create() error {
	o.creates++
	return nil
}

func (o *fakeCheckpointer) Restore() error {
	o.restores++
	return o.restoreErr
}

func (o *fakeCheckpointer) Clear() {}

type fakeCommands struct {
	mu        sync.Mutex
	queue     []cmdchan.Command
	responses int
}

func (o *fakeCommands) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) > 0
}

func (o *fakeCommands) Take() cmdchan.Command {
	o.mu.Lock()
	defer o.mu.Unlock()

	cmd := o.queue[0]
	o.queue = o.queue[1:]
	return cmd
}

func (o *fakeCommands) Inject(cmd cmdchan.Command) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = append(o.queue, cmd)
}

func (o *fakeCommands) SendResponse() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses++
	return nil
}

func testConfig(child *fakeChild) (Config, *fakeTracer, *fakeScanner, *fakeCheckpointer, *fakeCommands) {
	tracer := &fakeTracer{}
	scanner := &fakeScanner{}
	store := &fakeCheckpointer{}
	commands := &fakeCommands{}

	config := Config{
		Child:          child,
		Tracer:         tracer,
		Scanner:        scanner,
		InjectStrategy: scankit.NullStrategy{},
		Checkpoint:     store,
		Commands:       commands,
		OptLogger:      testLogger(),
	}

	return config, tracer, scanner, store, commands
}

func TestRunPeriodic_StopsAtIterationLimit(t *testing.T) {
	child := &fakeChild{pollsLeft: 100}
	config, tracer, scanner, _, _ := testConfig(child)
	config.MaxIterations = 3

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunPeriodic()
	if err != nil {
		t.Fatal(err)
	}

	if scanner.scans != 3 {
		t.Fatalf("expected 3 scans - got %d", scanner.scans)
	}

	if tracer.attaches != 3 || tracer.detaches != 3 {
		t.Fatalf("expected attach/detach per scan - got %d/%d",
			tracer.attaches, tracer.detaches)
	}

	if tracer.attached {
		t.Fatal("expected the tracer to be detached between iterations")
	}
}

func TestRunPeriodic_EndsWhenChildExits(t *testing.T) {
	child := &fakeChild{pollsLeft: 2}
	config, _, scanner, _, _ := testConfig(child)

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunPeriodic()
	if err != nil {
		t.Fatal(err)
	}

	if scanner.scans != 2 {
		t.Fatalf("expected 2 scans before exit - got %d", scanner.scans)
	}
}

func TestRunPeriodic_AttachFailureIsFatal(t *testing.T) {
	child := &fakeChild{pollsLeft: 10}
	config, tracer, _, _, _ := testConfig(child)
	tracer.failNext = true

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunPeriodic()
	if err == nil {
		t.Fatal("expected attach failure to surface")
	}
}

func TestRunCommand_DispatchTable(t *testing.T) {
	child := &fakeChild{pollsLeft: 10}
	config, _, scanner, store, commands := testConfig(child)

	commands.Inject(cmdchan.Command{Kind: cmdchan.NoOp})
	commands.Inject(cmdchan.Command{Kind: cmdchan.Checkpoint})
	commands.Inject(cmdchan.Command{Kind: cmdchan.InjectErrors})
	commands.Inject(cmdchan.Command{Kind: cmdchan.Scan})

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunCommand()
	if err != nil {
		t.Fatal(err)
	}

	if store.creates != 1 {
		t.Fatalf("expected 1 checkpoint - got %d", store.creates)
	}

	if scanner.scans != 2 {
		t.Fatalf("expected 2 scans (inject + scan) - got %d", scanner.scans)
	}

	// The Scan command must use a read-only strategy.
	last := scanner.strategies[len(scanner.strategies)-1]
	if _, isNull := last.(scankit.NullStrategy); !isNull {
		t.Fatalf("expected scan command to use the null strategy - got %T", last)
	}

	// Every dispatched command is acknowledged.
	if commands.responses != 4 {
		t.Fatalf("expected 4 responses - got %d", commands.responses)
	}
}

func TestRunCommand_EndsWhenChildExits(t *testing.T) {
	child := &fakeChild{pollsLeft: 0}
	config, _, _, _, _ := testConfig(child)

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunCommand()
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunCommand_CrashTriggersRestore(t *testing.T) {
	child := &fakeChild{
		pollsLeft:  0,
		exitSignal: unix.SIGSEGV,
		signaled:   true,
	}

	config, _, _, store, commands := testConfig(child)

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunCommand()
	if err != nil {
		t.Fatal(err)
	}

	if store.restores != 1 {
		t.Fatalf("expected 1 crash-triggered restore - got %d", store.restores)
	}

	if child.revives != 1 {
		t.Fatalf("expected the child to be revived - got %d", child.revives)
	}

	if commands.responses != 1 {
		t.Fatalf("expected the synthesized restore to be acknowledged - got %d",
			commands.responses)
	}
}

func TestRunCommand_FailedCrashRestoreEndsLoop(t *testing.T) {
	child := &fakeChild{
		pollsLeft:  0,
		exitSignal: unix.SIGSEGV,
		signaled:   true,
	}

	config, _, _, store, _ := testConfig(child)
	store.restoreErr = errors.New("simulated restore failure")

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	// Must terminate rather than spin on a target it cannot revive.
	err = controller.RunCommand()
	if err != nil {
		t.Fatal(err)
	}

	if store.restores != 1 {
		t.Fatalf("expected exactly one restore attempt - got %d", store.restores)
	}
}

func TestRunCommand_RequiresCommandPlumbing(t *testing.T) {
	child := &fakeChild{pollsLeft: 1}
	config, _, _, _, _ := testConfig(child)
	config.Checkpoint = nil

	controller, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}

	err = controller.RunCommand()
	if err == nil {
		t.Fatal("expected error without a checkpoint store")
	}
}

func TestNewController_Validates(t *testing.T) {
	_, err := NewController(Config{})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

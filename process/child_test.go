package process

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestChild_RunningAndKill(t *testing.T) {
	child, err := Start(exec.Command("sleep", "30"))
	if err != nil {
		t.Fatal(err)
	}
	defer child.Kill()

	if !child.Running() {
		t.Fatal("expected freshly started target to be running")
	}

	err = child.Kill()
	if err != nil {
		t.Fatal(err)
	}

	if child.Running() {
		t.Fatal("expected killed target to be reported dead")
	}

	sig, signaled := child.ExitSignal()
	if !signaled || sig != unix.SIGKILL {
		t.Fatalf("expected SIGKILL exit - got %v (%v)", sig, signaled)
	}
}

func TestChild_DetectsNaturalExit(t *testing.T) {
	child, err := Start(exec.Command("true"))
	if err != nil {
		t.Fatal(err)
	}
	defer child.Kill()

	deadline := time.Now().Add(5 * time.Second)
	for child.Running() {
		if time.Now().After(deadline) {
			t.Fatal("expected target to exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, signaled := child.ExitSignal(); signaled {
		t.Fatal("expected a clean exit, not a signal")
	}
}

func TestChild_ReviveClearsExit(t *testing.T) {
	child, err := Start(exec.Command("true"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for child.Running() {
		if time.Now().After(deadline) {
			t.Fatal("expected target to exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	child.Revive()

	// The pid is reaped and gone, so the probe must fail again, but
	// through the live path rather than the recorded exit.
	if child.Running() {
		t.Fatal("expected revived-but-dead target to be reported dead")
	}
}

func TestStart_FailsForMissingBinary(t *testing.T) {
	_, err := Start(exec.Command("/does/not/exist"))
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

// memtarget allocates memory in known patterns and parks, waiting to
// be scanned by memmon. With -command it instead drives the monitor
// through the command channel: checkpoint, self-inflicted damage,
// restore, and a verification that the damage was undone.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"gitlab.com/stephen-fox/faultkit/cmdchan"
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	park := flag.Duration(
		"park",
		60*time.Second,
		"How long to park while waiting to be scanned")

	commandMode := flag.Bool(
		"command",
		false,
		"Exercise the monitor through the command channel instead of parking")

	bufferWords := flag.Int(
		"buffer-words",
		100,
		"Number of 64-bit words in the recognizable heap buffer")

	flag.Parse()

	out := os.Stdout

	// Harnesses redirect the address report with PRINT_PATH.
	if printPath := os.Getenv("PRINT_PATH"); printPath != "" {
		f, err := os.Create(printPath)
		if err != nil {
			return fmt.Errorf("failed to create print path - %w", err)
		}
		defer f.Close()

		out = f
	}

	fmt.Fprintf(out, "target process pid: %d\n", os.Getpid())

	// A parked value behind a pointer the scanner should spot.
	parked := new(int64)
	*parked = 0x1234

	// A buffer of odd words the pointer oracle must reject, so
	// non-pointer injection has a recognizable victim.
	buffer := make([]uint64, *bufferWords)
	for i := range buffer {
		buffer[i] = 0xDEADBEEF00000001
	}

	// A handful of small allocations referenced from one slice.
	pointers := make([]*int64, 10)
	for i := range pointers {
		pointers[i] = new(int64)
		*pointers[i] = int64(i)
	}

	fmt.Fprintln(out, "known pointer addresses:")
	fmt.Fprintf(out, "  parked: %p\n", parked)
	fmt.Fprintf(out, "  buffer: %p\n", &buffer[0])
	for _, p := range pointers {
		fmt.Fprintf(out, "  %p\n", p)
	}

	var err error
	if *commandMode {
		err = runCommandScript(out, buffer)
	} else {
		fmt.Fprintf(out, "waiting to be scanned (%v)...\n", *park)
		time.Sleep(*park)
	}

	runtime.KeepAlive(parked)
	runtime.KeepAlive(buffer)
	runtime.KeepAlive(pointers)

	return err
}

// runCommandScript exercises every command the monitor understands and
// verifies the checkpoint round trip against the recognizable buffer.
func runCommandScript(out *os.File, buffer []uint64) error {
	client := cmdchan.NewClient(nil)
	defer client.Close()

	if !client.SendCommand(cmdchan.Command{Kind: cmdchan.NoOp}) {
		return errors.New("noop command was not acknowledged")
	}

	if !client.SendCommand(cmdchan.Command{Kind: cmdchan.Checkpoint}) {
		return errors.New("checkpoint command was not acknowledged")
	}

	// Damage the buffer, then ask for it back.
	original := buffer[0]
	for i := range buffer {
		buffer[i] = 0xFFFFFFFFFFFFFFFF
	}

	if !client.SendCommand(cmdchan.Command{Kind: cmdchan.Restore}) {
		return errors.New("restore command was not acknowledged")
	}

	if buffer[0] != original {
		return fmt.Errorf("restore did not undo damage: got 0x%x, expected 0x%x",
			buffer[0], original)
	}

	fmt.Fprintln(out, "checkpoint round trip verified")

	if !client.SendCommand(cmdchan.Command{Kind: cmdchan.Scan}) {
		return errors.New("scan command was not acknowledged")
	}

	if !client.SendCommand(cmdchan.Command{Kind: cmdchan.InjectErrors}) {
		return errors.New("inject command was not acknowledged")
	}

	return nil
}

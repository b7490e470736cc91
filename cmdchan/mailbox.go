package cmdchan

import (
	"encoding/binary"
	"fmt"
	"os"
)

// mailboxDir is a variable so tests can redirect the mailbox files.
var mailboxDir = os.TempDir()

// MailboxPath names the 8-byte payload mirror written by the target
// with the given pid.
func MailboxPath(pid int) string {
	return fmt.Sprintf("%s/memmon_cmd_%d", mailboxDir, pid)
}

func writeMailbox(pid int, packed uint64) error {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], packed)

	err := os.WriteFile(MailboxPath(pid), word[:], 0o644)
	if err != nil {
		return fmt.Errorf("failed to write command mailbox - %w", err)
	}

	return nil
}

func readMailbox(pid int) (uint64, error) {
	data, err := os.ReadFile(MailboxPath(pid))
	if err != nil {
		return 0, fmt.Errorf("failed to read command mailbox - %w", err)
	}

	if len(data) != 8 {
		return 0, fmt.Errorf("mailbox holds %d bytes, expected 8", len(data))
	}

	return binary.LittleEndian.Uint64(data), nil
}

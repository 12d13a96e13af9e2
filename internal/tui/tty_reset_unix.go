//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores sane terminal modes after bubbletea exits.
// An interrupt at the wrong moment can leave echo or ICRNL off; going
// through /dev/tty keeps this working under redirected stdin.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}

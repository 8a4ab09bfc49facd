//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// restoreTerminal runs `stty sane` against the controlling terminal in case
// the program exited without restoring raw mode.
func restoreTerminal() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	cmd := exec.Command("stty", "sane")
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return
	}
	defer tty.Close()
	cmd.Stdin = tty
	_ = cmd.Run()
}

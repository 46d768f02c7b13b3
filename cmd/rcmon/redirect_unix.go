//go:build !windows

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// redirectStderr points fd 2 at f so runtime panics from the TUI goroutines
// land in the crash log instead of the alternate screen.
func redirectStderr(f *os.File) error {
	if err := unix.Dup2(int(f.Fd()), int(os.Stderr.Fd())); err != nil {
		return err
	}
	os.Stderr = f
	return nil
}

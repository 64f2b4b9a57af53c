// Package pidfile writes and removes the per-process PID files that the
// operator scripts use to stop and health-check the two binaries.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Write records the current PID at path, creating parent directories.
func Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the PID file, ignoring a missing file.
func Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "remove pid file: %v\n", err)
	}
}

package device

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	serial "go.bug.st/serial"
)

// DefaultPattern matches USB CDC-ACM adapters on Linux.
const DefaultPattern = "ttyACM*"

// ErrNoDevice is returned when no port matches the adapter pattern.
var ErrNoDevice = errors.New("no matching serial device")

// portLister is swapped out in tests.
var portLister = serial.GetPortsList

// FindPort returns the first port, in sorted order, whose base name matches
// the glob pattern.
func FindPort(pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("bad device pattern %q: %w", pattern, err)
	}
	ports, err := portLister()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	sort.Strings(ports)
	for _, p := range ports {
		if ok, _ := filepath.Match(pattern, filepath.Base(p)); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: pattern %q among %d ports", ErrNoDevice, pattern, len(ports))
}

package device

import (
	"errors"
	"fmt"
	"sync"

	serial "go.bug.st/serial"
)

// DefaultBaud is the controller UART speed.
const DefaultBaud = 115200

var errNotOpen = errors.New("serial port not open")

// SerialDevice is a Port backed by go.bug.st/serial.
type SerialDevice struct {
	mu   sync.Mutex
	port serial.Port
	dev  string
	baud int
}

// OpenSerial opens dev at baud, 8N1.
func OpenSerial(dev string, baud int) (*SerialDevice, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	s := &SerialDevice{dev: dev, baud: baud}
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SerialDevice) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open (re)opens the port if it is closed.
func (s *SerialDevice) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	p, err := serial.Open(s.dev, s.mode())
	if err != nil {
		return fmt.Errorf("failed to open serial %s: %w", s.dev, err)
	}
	s.port = p
	return nil
}

// Path returns the device path.
func (s *SerialDevice) Path() string { return s.dev }

func (s *SerialDevice) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, errNotOpen
	}
	return s.port, nil
}

// Read blocks until at least one byte is available.
func (s *SerialDevice) Read(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

// Write writes p to the port.
func (s *SerialDevice) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// Drain waits until the transmit buffer is empty.
func (s *SerialDevice) Drain() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.Drain()
}

// Close closes the underlying serial connection. A blocked Read returns.
func (s *SerialDevice) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

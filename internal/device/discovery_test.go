package device

import (
	"errors"
	"testing"
)

func TestFindPort(t *testing.T) {
	tests := []struct {
		name    string
		ports   []string
		pattern string
		want    string
		wantErr error
	}{
		{
			name:    "first acm in sorted order",
			ports:   []string{"/dev/ttyS0", "/dev/ttyACM1", "/dev/ttyACM0"},
			pattern: "ttyACM*",
			want:    "/dev/ttyACM0",
		},
		{
			name:  "default pattern",
			ports: []string{"/dev/ttyUSB0", "/dev/ttyACM3"},
			want:  "/dev/ttyACM3",
		},
		{
			name:    "custom pattern",
			ports:   []string{"/dev/ttyUSB0", "/dev/ttyACM3"},
			pattern: "ttyUSB?",
			want:    "/dev/ttyUSB0",
		},
		{
			name:    "nothing matches",
			ports:   []string{"/dev/ttyS0"},
			pattern: "ttyACM*",
			wantErr: ErrNoDevice,
		},
		{
			name:    "no ports",
			wantErr: ErrNoDevice,
		},
	}

	orig := portLister
	defer func() { portLister = orig }()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portLister = func() ([]string, error) { return tt.ports, nil }
			got, err := FindPort(tt.pattern)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FindPort() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindPort() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("FindPort() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindPortListError(t *testing.T) {
	orig := portLister
	defer func() { portLister = orig }()

	boom := errors.New("boom")
	portLister = func() ([]string, error) { return nil, boom }
	if _, err := FindPort(""); !errors.Is(err, boom) {
		t.Errorf("FindPort() error = %v, want wrapped %v", err, boom)
	}
}

type drainCounter struct{ n int }

func (d *drainCounter) Write(p []byte) (int, error) { return len(p), nil }
func (d *drainCounter) Drain() error                { d.n++; return nil }

type plainWriter struct{}

func (plainWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDrain(t *testing.T) {
	d := &drainCounter{}
	if err := Drain(d); err != nil || d.n != 1 {
		t.Errorf("Drain() = %v, calls = %d", err, d.n)
	}
	if err := Drain(plainWriter{}); err != nil {
		t.Errorf("Drain() on plain writer = %v", err)
	}
}

// Package permissions gates capture on the OS privacy permissions for the
// microphone and for system audio.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDenied is returned when a required permission is not granted.
var ErrDenied = errors.New("permission denied")

// Kind is a capture permission.
type Kind int

const (
	Microphone Kind = iota
	SystemAudio
)

func (k Kind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case SystemAudio:
		return "system audio"
	default:
		return "unknown"
	}
}

// Status mirrors the AVAuthorizationStatus values.
type Status int

const (
	NotDetermined Status = 0
	Restricted    Status = 1
	Denied        Status = 2
	Authorized    Status = 3
)

func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "not determined"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	case Authorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Checker reports and requests permissions.
type Checker interface {
	Status(k Kind) Status
	// Request prompts the user if needed and reports whether access was
	// granted. It returns when the user decides or ctx is done.
	Request(ctx context.Context, k Kind) (bool, error)
}

// Ensure returns nil if every kind is authorized, requesting the ones the
// user has not decided on yet. Otherwise the error wraps ErrDenied.
func Ensure(ctx context.Context, c Checker, kinds ...Kind) error {
	for _, k := range kinds {
		switch c.Status(k) {
		case Authorized:
			continue
		case NotDetermined:
			granted, err := c.Request(ctx, k)
			if err != nil {
				return fmt.Errorf("failed to request %s permission: %w", k, err)
			}
			if granted {
				continue
			}
		}
		return fmt.Errorf("%w: %s", ErrDenied, k)
	}
	return nil
}

// Fixed is a Checker with preset answers. Kinds not in the map are
// authorized.
type Fixed map[Kind]Status

func (f Fixed) Status(k Kind) Status {
	if s, ok := f[k]; ok {
		return s
	}
	return Authorized
}

func (f Fixed) Request(ctx context.Context, k Kind) (bool, error) {
	return f.Status(k) == Authorized, nil
}

// poll waits until status leaves NotDetermined.
func poll(ctx context.Context, interval time.Duration, status func() Status) (bool, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		switch status() {
		case Authorized:
			return true, nil
		case NotDetermined:
		default:
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

//go:build !darwin

package permissions

import "context"

type system struct{}

// New returns the platform checker. Other platforms do not gate capture.
func New() Checker {
	return system{}
}

func (system) Status(Kind) Status {
	return Authorized
}

func (system) Request(context.Context, Kind) (bool, error) {
	return true, nil
}

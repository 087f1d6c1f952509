//go:build !darwin && !linux

package resolver

// NewDefaultHandler returns a handler that always fails; select a process
// explicitly on this platform.
func NewDefaultHandler() DefaultHandler {
	return FixedHandler("")
}

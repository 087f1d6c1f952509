package tap

import "strings"

type captureMethod int

const (
	captureNone captureMethod = iota
	captureLoopback
	captureMonitor
)

// captureMethodFor reports how the playback mix can be captured on goos.
func captureMethodFor(goos string) captureMethod {
	switch goos {
	case "windows":
		return captureLoopback
	case "linux", "freebsd":
		return captureMonitor
	default:
		return captureNone
	}
}

// endpoint is the part of a device listing used to pick a monitor.
type endpoint struct {
	Name      string
	IsDefault bool
}

const monitorPrefix = "Monitor of "

func isMonitor(name string) bool {
	return strings.HasPrefix(name, monitorPrefix) || strings.HasSuffix(strings.ToLower(name), ".monitor")
}

// monitorSource returns the index of the capture endpoint that mirrors
// the default playback endpoint. Without an exact match it prefers the
// default monitor, then the first one. Input devices are never chosen.
func monitorSource(playback, capture []endpoint) (int, bool) {
	var sink string
	for _, p := range playback {
		if p.IsDefault {
			sink = p.Name
			break
		}
	}

	first, def := -1, -1
	for i, c := range capture {
		if !isMonitor(c.Name) {
			continue
		}
		if sink != "" && (c.Name == monitorPrefix+sink || c.Name == sink+".monitor") {
			return i, true
		}
		if first < 0 {
			first = i
		}
		if c.IsDefault && def < 0 {
			def = i
		}
	}
	switch {
	case def >= 0:
		return def, true
	case first >= 0:
		return first, true
	default:
		return 0, false
	}
}

package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/petems/tapnote/internal/audio"
	"github.com/rs/zerolog"
)

// ProcessInfo is the raw view of a running process.
type ProcessInfo struct {
	PID      int32
	Name     string
	Exe      string
	Cmdline  string
	Username string
}

// ProcessLister enumerates running processes. Implementations may return
// partial results together with an error.
type ProcessLister interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// DeviceLister enumerates input devices.
type DeviceLister interface {
	ListDevices() ([]audio.AudioDevice, error)
}

// Processes that never produce user-facing audio.
var backgroundProcesses = map[string]bool{
	"kernel_task":     true,
	"launchd":         true,
	"coreaudiod":      true,
	"windowserver":    true,
	"systemd":         true,
	"kthreadd":        true,
	"init":            true,
	"dbus-daemon":     true,
	"pipewire":        true,
	"pulseaudio":      true,
	"wireplumber":     true,
	"audiodg.exe":     true,
	"svchost.exe":     true,
	"csrss.exe":       true,
	"wininit.exe":     true,
	"services.exe":    true,
	"system":          true,
	"registry":        true,
	"smss.exe":        true,
	"lsass.exe":       true,
	"fontdrvhost.exe": true,
}

var systemPrefixes = []string{
	"/usr/libexec/",
	"/usr/sbin/",
	"/sbin/",
	"/System/Library/",
	"/Library/Apple/",
	`C:\Windows\System32\`,
}

// DefaultUnsupported lists bundles whose audio cannot be tapped. They are
// still discovered, marked unsupported.
var DefaultUnsupported = []string{
	"com.apple.controlcenter",
	"com.apple.systemuiserver",
	"com.apple.loginwindow",
}

// Discoverer produces snapshots of capturable sources.
type Discoverer struct {
	procs       ProcessLister
	devices     DeviceLister
	log         zerolog.Logger
	unsupported map[string]bool
	bundles     *bundleCache
	self        int32
}

// NewDiscoverer creates a discoverer. Either lister may be nil.
func NewDiscoverer(procs ProcessLister, devices DeviceLister, log zerolog.Logger) *Discoverer {
	d := &Discoverer{
		procs:       procs,
		devices:     devices,
		log:         log,
		unsupported: make(map[string]bool),
		bundles:     newBundleCache(),
		self:        int32(os.Getpid()),
	}
	for _, id := range DefaultUnsupported {
		d.unsupported[strings.ToLower(id)] = true
	}
	return d
}

// MarkUnsupported adds bundle ids that must be listed but not captured.
func (d *Discoverer) MarkUnsupported(bundleIDs ...string) {
	for _, id := range bundleIDs {
		d.unsupported[strings.ToLower(id)] = true
	}
}

// ListProcessSources returns the all-applications source followed by the
// running, audio-capable processes sorted by name.
func (d *Discoverer) ListProcessSources(ctx context.Context) []AudioSource {
	sources := []AudioSource{AllApplications()}
	if d.procs == nil {
		return sources
	}

	procs, err := d.procs.Processes(ctx)
	if err != nil {
		d.log.Warn().Err(err).Int("partial", len(procs)).Msg("Process discovery incomplete")
	}

	var found []AudioSource
	for _, p := range procs {
		if d.excluded(p) {
			continue
		}
		bundleID, bundlePath := d.bundles.identify(p.Exe)
		name := p.Name
		if bundlePath != "" && strings.HasSuffix(bundlePath, ".app") {
			name = strings.TrimSuffix(filepath.Base(bundlePath), ".app")
		}
		found = append(found, AudioSource{
			ID:          strconv.FormatInt(int64(p.PID), 10),
			Name:        name,
			Kind:        KindProcess,
			BundleID:    bundleID,
			BundlePath:  bundlePath,
			Supported:   !d.unsupported[strings.ToLower(bundleID)],
			PID:         p.PID,
			CommandLine: p.Cmdline,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if a, b := strings.ToLower(found[i].Name), strings.ToLower(found[j].Name); a != b {
			return a < b
		}
		return found[i].PID < found[j].PID
	})
	return append(sources, found...)
}

// ListInputDevices returns the devices that expose at least one input channel.
func (d *Discoverer) ListInputDevices(ctx context.Context) []AudioSource {
	if d.devices == nil {
		return nil
	}

	devices, err := d.devices.ListDevices()
	if err != nil {
		d.log.Warn().Err(err).Msg("Input device discovery failed")
	}

	sources := make([]AudioSource, 0, len(devices))
	for _, dev := range devices {
		if dev.InputChannels <= 0 {
			continue
		}
		sources = append(sources, AudioSource{
			ID:          dev.ID,
			Name:        dev.Name,
			Kind:        KindInputDevice,
			Supported:   true,
			DeviceIndex: dev.Index,
		})
	}
	return sources
}

func (d *Discoverer) excluded(p ProcessInfo) bool {
	if p.PID <= 0 || p.PID == d.self || p.Exe == "" {
		return true
	}
	if backgroundProcesses[strings.ToLower(p.Name)] {
		return true
	}
	if p.Username == "root" || p.Username == "SYSTEM" || strings.HasPrefix(p.Username, "_") {
		for _, prefix := range systemPrefixes {
			if strings.HasPrefix(p.Exe, prefix) {
				return true
			}
		}
	}
	return false
}

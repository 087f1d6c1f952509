// Package source discovers the audio producers and input devices that can
// be captured, and restores a persisted capture selection against them.
package source

// Kind distinguishes process sources from input devices.
type Kind int

const (
	KindProcess Kind = iota
	KindInputDevice
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "process"
	case KindInputDevice:
		return "input-device"
	default:
		return "unknown"
	}
}

// AllApplicationsID identifies the synthetic system-wide process source.
const AllApplicationsID = "*"

// AudioSource is a capturable producer. Sources are snapshots; a new
// discovery pass replaces them wholesale.
type AudioSource struct {
	ID         string
	Name       string
	Kind       Kind
	BundleID   string
	BundlePath string
	Supported  bool

	// OS handles
	PID         int32 // process sources; 0 for all applications
	DeviceIndex int   // input devices
	CommandLine string
}

// Equal reports whether s and o identify the same source.
func (s AudioSource) Equal(o AudioSource) bool {
	return s.ID == o.ID && s.Kind == o.Kind
}

// IsAllApplications reports whether s is the system-wide source.
func (s AudioSource) IsAllApplications() bool {
	return s.Kind == KindProcess && s.ID == AllApplicationsID
}

// AllApplications returns the synthetic source that captures every process.
func AllApplications() AudioSource {
	return AudioSource{
		ID:        AllApplicationsID,
		Name:      "All applications",
		Kind:      KindProcess,
		Supported: true,
	}
}

// Selection is the user's capture choice. A nil Process means the default
// producer; a nil Input means the system default input device.
type Selection struct {
	Process *AudioSource
	Input   *AudioSource
}

// Package tap binds to the audio a process (or the whole system) is
// playing and delivers it as native-format buffers.
package tap

import (
	"github.com/google/uuid"
	"github.com/petems/tapnote/internal/audio"
)

// Backend handles.
type (
	TapID    uint32
	DeviceID uint32
	ProcID   uint32
)

// IOFunc receives one native buffer of interleaved samples. data is only
// valid for the duration of the call.
type IOFunc func(data []byte, frames int)

// TapDescription describes a tap on one process, or on every process when
// PID is zero.
type TapDescription struct {
	Name    string
	UUID    uuid.UUID
	PID     int32
	Private bool
}

// AggregateDescription describes the virtual device that routes a tap
// through an I/O proc.
type AggregateDescription struct {
	Name              string
	UID               string
	MainSubDevice     string
	TapUUID           uuid.UUID
	TapID             TapID
	Private           bool
	DriftCompensation bool
}

// Backend is the OS audio hardware abstraction the engine drives. Failing
// calls return an *OSStatusError.
type Backend interface {
	DefaultOutputUID() (string, error)

	CreateTap(desc TapDescription) (TapID, error)
	TapFormat(id TapID) (audio.Format, error)
	DestroyTap(id TapID) error

	CreateAggregate(desc AggregateDescription) (DeviceID, error)
	DestroyAggregate(id DeviceID) error

	CreateIOProc(dev DeviceID, fn IOFunc) (ProcID, error)
	DestroyIOProc(dev DeviceID, proc ProcID) error
	StartDevice(dev DeviceID, proc ProcID) error
	// StopDevice returns after the last I/O callback has completed.
	StopDevice(dev DeviceID, proc ProcID) error

	// WatchInvalidation calls fn, at most once and never on the caller's
	// goroutine, when the tap stops producing because its process exited
	// or the OS revoked it. cancel must not block.
	WatchInvalidation(id TapID, fn func()) (cancel func(), err error)
}

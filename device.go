package updateagent

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// DeviceState is the authoritative lifecycle state of the device.
type DeviceState string

const (
	// StatePositioning is the normal operating mode; updates wait until the
	// device returns to idle.
	StatePositioning DeviceState = "positioning"
	StateIdle        DeviceState = "idle"
	StateDownloading DeviceState = "downloading"
	StateInstalling  DeviceState = "installing"
	// StateFailed is reserved for external supervisors; the update path
	// itself reverts straight to idle and records the failure instead.
	StateFailed DeviceState = "failed"
)

// Version identifies a firmware image. Versions are opaque: two versions are
// either equal or different, nothing else is assumed about their shape.
type Version string

// UpdateStatus reports the result of the most recent update attempt.
type UpdateStatus string

const (
	UpdateStatusNone    UpdateStatus = "no_update"
	UpdateStatusSuccess UpdateStatus = "success"
	UpdateStatusFailed  UpdateStatus = "failed"
)

// validTransitions lists every legal state edge. Downloading and installing
// are reachable only through the update path starting from idle.
var validTransitions = map[DeviceState][]DeviceState{
	StatePositioning: {StateIdle},
	StateIdle:        {StatePositioning, StateDownloading},
	StateDownloading: {StateInstalling, StateIdle, StateFailed},
	StateInstalling:  {StateIdle, StateFailed},
	StateFailed:      {StateIdle},
}

// InvalidTransitionError reports a compare-and-set transition that did not
// match the device's current state, or an edge the state machine forbids.
type InvalidTransitionError struct {
	From    DeviceState
	To      DeviceState
	Current DeviceState
}

func (e *InvalidTransitionError) Error() string {
	if e.From != e.Current {
		return fmt.Sprintf("invalid transition %s -> %s: device is %s", e.From, e.To, e.Current)
	}
	return fmt.Sprintf("invalid transition %s -> %s: edge not allowed", e.From, e.To)
}

// StateObserver is notified after each successful transition.
type StateObserver func(from, to DeviceState)

// Device owns the update state and version information. All mutation goes
// through Transition/SetVersion under one mutex; no other component writes
// these fields.
type Device struct {
	mu         sync.Mutex
	deviceType string
	state      DeviceState
	version    Version
	lastResult UpdateStatus
	observer   StateObserver
}

// NewDevice returns a device in the idle state running the given version.
// deviceType names the logical device variant under test (DUT).
func NewDevice(deviceType string, version Version) *Device {
	return &Device{
		deviceType: deviceType,
		state:      StateIdle,
		version:    version,
		lastResult: UpdateStatusNone,
	}
}

// OnTransition registers an observer for state changes. Set it during wiring,
// before the orchestrator starts.
func (d *Device) OnTransition(fn StateObserver) {
	d.mu.Lock()
	d.observer = fn
	d.mu.Unlock()
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CurrentVersion returns the installed firmware version.
func (d *Device) CurrentVersion() Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Type returns the logical device variant.
func (d *Device) Type() string {
	return d.deviceType
}

// LastResult returns the outcome of the most recent update attempt.
func (d *Device) LastResult() UpdateStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastResult
}

func (d *Device) setLastResult(status UpdateStatus) {
	d.mu.Lock()
	d.lastResult = status
	d.mu.Unlock()
}

// Transition atomically moves the device from `from` to `to`. It fails with
// *InvalidTransitionError when the current state differs from `from` or the
// edge is not part of the state machine. This compare-and-set contract is
// what keeps two concurrent update attempts from both owning the device.
func (d *Device) Transition(from, to DeviceState) error {
	d.mu.Lock()
	if d.state != from {
		current := d.state
		d.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to, Current: current}
	}
	if !edgeAllowed(from, to) {
		d.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to, Current: from}
	}
	d.state = to
	observer := d.observer
	d.mu.Unlock()

	log.Debug().
		Str("dut", d.deviceType).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("device state transition")
	if observer != nil {
		observer(from, to)
	}
	return nil
}

// SetVersion records the installed version. Called only after a successful
// install stage.
func (d *Device) SetVersion(v Version) {
	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
}

func edgeAllowed(from, to DeviceState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

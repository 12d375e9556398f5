// Package devices enumerates and watches the local machine's media devices.
// The registry keeps one selection per device kind; when nothing is selected
// yet, the first available device of a kind is chosen on refresh.
package devices

import (
	"errors"
	"log"
	"sync"
)

// Kind is a class of media device.
type Kind string

const (
	AudioInput  Kind = "audio-input"
	AudioOutput Kind = "audio-output"
	VideoInput  Kind = "video-input"
)

// Kinds lists every device class the registry tracks.
var Kinds = []Kind{AudioInput, AudioOutput, VideoInput}

// Device is one enumerated media device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// ChangeEvent is emitted whenever the device list changes.
type ChangeEvent struct {
	Devices []Device
}

// ErrUnknownDevice is returned when selecting a device id that is not
// currently enumerated.
var ErrUnknownDevice = errors.New("unknown device")

// Registry tracks available devices and the current selection per kind.
type Registry struct {
	source func() []Device

	mu        sync.RWMutex
	devices   []Device
	selected  map[Kind]string
	stopWatch func()

	listenerMu sync.RWMutex
	listeners  map[chan ChangeEvent]struct{}
}

// New creates a registry backed by platform enumeration and performs an
// initial scan.
func New() *Registry {
	return newRegistry(func() []Device { return enumerate() })
}

// NewStatic creates a registry over a fixed device list. Used by tests and
// by receive-only clients that never touch real hardware.
func NewStatic(devices []Device) *Registry {
	return newRegistry(func() []Device { return devices })
}

func newRegistry(source func() []Device) *Registry {
	r := &Registry{
		source:    source,
		selected:  make(map[Kind]string),
		listeners: make(map[chan ChangeEvent]struct{}),
	}
	r.Refresh()
	return r
}

// Refresh re-enumerates devices, default-selects where needed, and notifies
// subscribers when the list changed.
func (r *Registry) Refresh() {
	found := r.source()

	r.mu.Lock()
	changed := !sameDevices(r.devices, found)
	r.devices = found

	// Default-select the first device of each kind when none is selected,
	// and drop selections whose device disappeared.
	for _, k := range Kinds {
		cur := r.selected[k]
		if cur != "" && !hasDevice(found, k, cur) {
			log.Printf("DEVICES: selected %s device %q disappeared", k, cur)
			cur = ""
		}
		if cur == "" {
			if d, ok := firstOfKind(found, k); ok {
				cur = d.ID
			}
		}
		if cur == "" {
			delete(r.selected, k)
		} else {
			r.selected[k] = cur
		}
	}
	r.mu.Unlock()

	if changed {
		r.emit(ChangeEvent{Devices: found})
	}
}

// Devices returns the enumerated devices of the given kind.
func (r *Registry) Devices(kind Kind) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Device
	for _, d := range r.devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Selected returns the currently selected device for kind, if any.
func (r *Registry) Selected(kind Kind) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.selected[kind]
	if id == "" {
		return Device{}, false
	}
	for _, d := range r.devices {
		if d.Kind == kind && d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Select picks a device by id for its kind.
func (r *Registry) Select(kind Kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !hasDevice(r.devices, kind, id) {
		return ErrUnknownDevice
	}
	r.selected[kind] = id
	return nil
}

// Subscribe returns a channel receiving device-change events.
func (r *Registry) Subscribe() (ch chan ChangeEvent, cancel func()) {
	ch = make(chan ChangeEvent, 8)

	r.listenerMu.Lock()
	r.listeners[ch] = struct{}{}
	r.listenerMu.Unlock()

	cancel = func() {
		r.listenerMu.Lock()
		if _, ok := r.listeners[ch]; ok {
			delete(r.listeners, ch)
			close(ch)
		}
		r.listenerMu.Unlock()
	}
	return ch, cancel
}

// StartWatch begins watching the platform for device changes and refreshing
// the registry. Close stops it.
func (r *Registry) StartWatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopWatch != nil {
		return
	}
	r.stopWatch = watch(r)
}

// Close stops the watcher and drops all subscribers.
func (r *Registry) Close() {
	r.mu.Lock()
	stop := r.stopWatch
	r.stopWatch = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
	r.listenerMu.Lock()
	for ch := range r.listeners {
		close(ch)
	}
	r.listeners = make(map[chan ChangeEvent]struct{})
	r.listenerMu.Unlock()
}

func (r *Registry) emit(evt ChangeEvent) {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	for ch := range r.listeners {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop rather than block the watch loop.
		}
	}
}

func firstOfKind(devices []Device, kind Kind) (Device, bool) {
	for _, d := range devices {
		if d.Kind == kind {
			return d, true
		}
	}
	return Device{}, false
}

func hasDevice(devices []Device, kind Kind, id string) bool {
	for _, d := range devices {
		if d.Kind == kind && d.ID == id {
			return true
		}
	}
	return false
}

func sameDevices(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

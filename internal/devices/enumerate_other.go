//go:build !linux || !cgo

package devices

import "github.com/pion/mediadevices"

// platformEnumerate lists whatever drivers are registered on this platform.
// Without platform drivers the list is empty and calls run device-less.
func platformEnumerate() []Device {
	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		var kind Kind
		switch info.Kind {
		case mediadevices.AudioInput:
			kind = AudioInput
		case mediadevices.AudioOutput:
			kind = AudioOutput
		case mediadevices.VideoInput:
			kind = VideoInput
		default:
			continue
		}
		out = append(out, Device{ID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	return out
}

// watch falls back to periodic polling where no hotplug events exist.
func watch(r *Registry) (stop func()) {
	return pollWatch(r)
}

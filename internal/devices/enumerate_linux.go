//go:build linux && cgo

package devices

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// platformEnumerate lists devices via the pion/mediadevices driver registry
// (V4L2 cameras, malgo audio).
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

// watch refreshes the registry when device nodes under /dev change.
// Plugging a webcam or headset creates/removes nodes there, so fsnotify on
// the directories is enough; events are debounced because one hotplug burst
// touches several nodes.
func watch(r *Registry) (stop func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("DEVICES: fsnotify unavailable (%v), falling back to polling", err)
		return pollWatch(r)
	}

	for _, dir := range []string{"/dev", "/dev/snd", "/dev/v4l/by-id"} {
		if err := w.Add(dir); err != nil {
			log.Printf("DEVICES: watch %s: %v", dir, err)
		}
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-done:
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if !interestingNode(evt.Name) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, r.Refresh)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("DEVICES: watch error: %v", err)
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			w.Close()
		})
	}
}

// interestingNode filters /dev churn down to media device nodes.
func interestingNode(path string) bool {
	base := path[strings.LastIndexByte(path, '/')+1:]
	return strings.HasPrefix(base, "video") ||
		strings.HasPrefix(base, "pcm") ||
		strings.HasPrefix(base, "control") ||
		strings.Contains(path, "/dev/snd") ||
		strings.Contains(path, "/v4l/")
}

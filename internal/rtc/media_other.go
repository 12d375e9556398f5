//go:build !linux || !cgo

package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// newMediaAPI builds a default WebRTC API. Without platform capture drivers
// the client joins rooms receive-only.
func newMediaAPI() (*webrtc.API, *mediadevices.CodecSelector, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return api, nil, nil
}

// captureTrack always fails here: no capture drivers on this platform.
func captureTrack(TrackKind, string, *mediadevices.CodecSelector) (mediadevices.Track, error) {
	return nil, ErrNoDevice
}

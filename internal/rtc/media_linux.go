//go:build linux && cgo

package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"time"
)

// newMediaAPI builds the WebRTC API with VP8+Opus codecs from
// pion/mediadevices (V4L2 + malgo capture on Linux).
func newMediaAPI() (*webrtc.API, *mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Use generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.  The default disconnectedTimeout is
	// 5 s — far too short for relay paths that can have short outages during
	// re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api, codecSelector, nil
}

// captureTrack opens one local track of the given kind. deviceID may be
// empty, in which case the driver picks.
func captureTrack(kind TrackKind, deviceID string, selector *mediadevices.CodecSelector) (mediadevices.Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: selector}

	switch kind {
	case TrackAudio:
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
		}
	case TrackVideo:
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder
			// and causes SetRemoteDescription to fail.  Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	case TrackScreen:
		return captureScreen(selector)
	default:
		return nil, fmt.Errorf("capture: unknown kind %q", kind)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return tracks[0], nil
}

// captureScreen grabs the display via the X11 screen driver.
func captureScreen(selector *mediadevices.CodecSelector) (mediadevices.Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return tracks[0], nil
}

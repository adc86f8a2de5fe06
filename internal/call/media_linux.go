//go:build linux

package call

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer opens local camera/microphone via pion/mediadevices
// (V4L2 + malgo on Linux) and encodes VP8 + Opus.
type DeviceCapturer struct {
	// VideoDisabled forces voice-style capture even for video calls
	// (headless boxes, broken camera stacks).
	VideoDisabled bool
}

// localMedia is the Linux MediaHandle: the captured stream plus the codec
// selector the session's media engine must be populated from.
type localMedia struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
	released bool
}

// Acquire requests microphone, and camera when video, with graceful
// fallback: GetUserMedia fails as a unit when either track can't open, so
// video+audio is tried first, then video-only, then audio-only. When every
// attempt fails the error wraps ErrDeviceUnavailable.
func (d *DeviceCapturer) Acquire(_ context.Context, video bool) (MediaHandle, error) {
	if d.VideoDisabled {
		video = false
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	} else {
		for _, dev := range devices {
			log.Printf("MEDIA: device — kind=%v label=%q", dev.Kind, dev.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions inflate VP8 encode
				// latency and can stall webview MSE playback.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		log.Printf("MEDIA: captured local media (%s) — %d tracks", a.label, len(stream.GetTracks()))
		return &localMedia{stream: stream, selector: selector}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}

func (m *localMedia) Release() {
	if m.released {
		return
	}
	m.released = true
	for _, t := range m.stream.GetTracks() {
		t.Close()
	}
}

func (m *localMedia) populateEngine(me *webrtc.MediaEngine) error {
	m.selector.Populate(me)
	return nil
}

// addTracks attaches the captured tracks to the peer connection and, when a
// video track is present, starts an independent VP8 self-view encoder feeding
// a MediaFeed for the local preview.
func (m *localMedia) addTracks(tag string, pc *webrtc.PeerConnection) (*MediaFeed, error) {
	var selfView *MediaFeed

	for _, track := range m.stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local track ended: %v", tag, err)
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			return nil, fmt.Errorf("add track: %w", err)
		}

		// pion/mediadevices broadcasts raw frames to multiple consumers;
		// this VP8 encoder runs in parallel to the one Pion uses for RTP.
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				// Broken video encoder (e.g. malformed frames from the
				// camera); leave the call audio-only rather than failing it.
				log.Printf("CALL [%s]: self-view encoder unavailable: %v", tag, err)
				continue
			}
			selfView = NewMediaFeed(tag+"/self", true)
			go pumpSelfView(tag, r, selfView)
		}
	}
	return selfView, nil
}

// pumpSelfView feeds encoded local frames into the self-view MediaFeed
// with wall-clock timestamps until the reader is closed.
func pumpSelfView(tag string, r mediadevices.EncodedReadCloser, feed *MediaFeed) {
	start := time.Now()
	for {
		buf, release, err := r.Read()
		if err != nil {
			log.Printf("CALL [%s]: self-view stream ended: %v", tag, err)
			return
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()

		keyframe := len(data) > 0 && data[0]&0x01 == 0
		feed.PushVideo(time.Since(start).Milliseconds(), keyframe, data)
	}
}

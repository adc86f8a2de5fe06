package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaHandle is an acquired set of local capture tracks. The engine owns
// exactly one per call attempt and must Release it on every exit path.
type MediaHandle interface {
	Release()
}

// Capturer acquires local capture devices: microphone always, camera when
// video is requested. Returns ErrDeviceUnavailable (wrapped) when no usable
// device can be opened.
type Capturer interface {
	Acquire(ctx context.Context, video bool) (MediaHandle, error)
}

// trackSource is the optional wider contract a platform MediaHandle
// implements so the session can wire real tracks into the peer connection.
// Handles that don't implement it (tests, platforms without capture) leave
// the session receive-only.
type trackSource interface {
	populateEngine(me *webrtc.MediaEngine) error
	addTracks(tag string, pc *webrtc.PeerConnection) (selfView *MediaFeed, err error)
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produce valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}
	return nil
}

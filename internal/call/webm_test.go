package call

import (
	"bytes"
	"testing"
)

// vp8Keyframe builds a minimal VP8 keyframe payload carrying the given
// dimensions in the uncompressed data chunk header.
func vp8Keyframe(w, h uint16) []byte {
	data := make([]byte, 32)
	data[3] = 0x9D
	data[4] = 0x01
	data[5] = 0x2A
	data[6] = byte(w)
	data[7] = byte(w >> 8)
	data[8] = byte(h)
	data[9] = byte(h >> 8)
	return data
}

func recvMsg(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	default:
		t.Fatalf("expected a message on the feed")
		return nil
	}
}

func expectNoMsg(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message (%d bytes)", len(msg))
	default:
	}
}

func TestInitSegmentEmittedOnFirstKeyframe(t *testing.T) {
	feed := NewMediaFeed("test", true)
	ch, cancel := feed.Subscribe()
	defer cancel()

	// Interframes before any keyframe can't seed the stream.
	feed.PushVideo(0, false, make([]byte, 16))
	if feed.Ready() {
		t.Fatalf("ready before first keyframe")
	}
	expectNoMsg(t, ch)

	feed.PushVideo(33, true, vp8Keyframe(320, 240))
	if !feed.Ready() {
		t.Fatalf("not ready after keyframe")
	}

	init := recvMsg(t, ch)
	if !bytes.HasPrefix(init, idEBML) {
		t.Fatalf("init segment does not start with EBML header")
	}
	if !bytes.Contains(init, []byte("webm")) {
		t.Fatalf("doctype missing")
	}
	if !bytes.Contains(init, []byte("V_VP8")) {
		t.Fatalf("video codec id missing")
	}
	// PixelWidth 320 = 0x0140, PixelHeight 240 = 0xF0.
	if !bytes.Contains(init, ebmlElem(idPixelW, ebmlUint(320))) {
		t.Fatalf("pixel width not encoded")
	}
	if !bytes.Contains(init, ebmlElem(idPixelH, ebmlUint(240))) {
		t.Fatalf("pixel height not encoded")
	}
	if bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatalf("audio track declared without EnableAudio")
	}

	// The keyframe itself follows as a cluster.
	cluster := recvMsg(t, ch)
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Fatalf("expected a cluster after the init segment")
	}
}

func TestInitSegmentDeclaresAudioTrack(t *testing.T) {
	feed := NewMediaFeed("test", true)
	feed.EnableAudio()
	ch, cancel := feed.Subscribe()
	defer cancel()

	feed.PushVideo(0, true, vp8Keyframe(640, 480))
	init := recvMsg(t, ch)
	if !bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatalf("audio track missing from init segment")
	}
	if !bytes.Contains(init, []byte("OpusHead")) {
		t.Fatalf("OpusHead codec private data missing")
	}
}

func TestLateSubscriberGetsInitAndKeyframeReplay(t *testing.T) {
	feed := NewMediaFeed("test", true)

	key := vp8Keyframe(320, 240)
	feed.PushVideo(0, true, key)
	feed.PushVideo(33, false, make([]byte, 24))
	feed.PushVideo(66, false, make([]byte, 24))

	ch, cancel := feed.Subscribe()
	defer cancel()

	init := recvMsg(t, ch)
	if !bytes.HasPrefix(init, idEBML) {
		t.Fatalf("first replayed message is not the init segment")
	}
	replay := recvMsg(t, ch)
	if !bytes.HasPrefix(replay, idCluster) {
		t.Fatalf("second replayed message is not a cluster")
	}
	// The replayed cluster is the keyframe one, not a later interframe.
	if !bytes.Contains(replay, key) {
		t.Fatalf("replayed cluster does not carry the keyframe")
	}
	expectNoMsg(t, ch)
}

func TestTimestampsNormalizedToStreamStart(t *testing.T) {
	feed := NewMediaFeed("test", true)
	ch, cancel := feed.Subscribe()
	defer cancel()

	// RTP-derived timestamps start at an arbitrary offset.
	feed.PushVideo(987654, true, vp8Keyframe(320, 240))
	recvMsg(t, ch) // init

	cluster := recvMsg(t, ch)
	// Cluster layout: id, size vint, then Timecode element; first frame is t=0.
	i := bytes.Index(cluster, idTimecode)
	if i < 0 {
		t.Fatalf("cluster has no timecode")
	}
	if cluster[i+1] != 0x81 || cluster[i+2] != 0 {
		t.Fatalf("first cluster timecode = % x, want 0", cluster[i+1:i+3])
	}
}

func TestQueuedAudioDrainsIntoVideoCluster(t *testing.T) {
	feed := NewMediaFeed("test", true)
	feed.EnableAudio()
	ch, cancel := feed.Subscribe()
	defer cancel()

	opusFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	feed.PushAudio(1000, opusFrame)
	feed.PushAudio(1020, opusFrame)

	feed.PushVideo(5000, true, vp8Keyframe(320, 240))

	recvMsg(t, ch) // init
	cluster := recvMsg(t, ch)
	if n := bytes.Count(cluster, opusFrame); n != 2 {
		t.Fatalf("audio frames in cluster = %d, want 2", n)
	}
}

func TestAudioOnlyFeedFlushesWithoutVideo(t *testing.T) {
	feed := NewMediaFeed("test", false)
	ch, cancel := feed.Subscribe()
	defer cancel()

	opusFrame := []byte{0x01, 0x02, 0x03}
	for i := 0; i < 19; i++ {
		feed.PushAudio(int64(i*20), opusFrame)
	}
	expectNoMsg(t, ch) // below flush threshold

	feed.PushAudio(19*20, opusFrame)

	init := recvMsg(t, ch)
	if !bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatalf("audio-only init segment missing Opus track")
	}
	if bytes.Contains(init, []byte("V_VP8")) {
		t.Fatalf("audio-only init segment declares a video track")
	}
	cluster := recvMsg(t, ch)
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Fatalf("expected an audio cluster")
	}
	if n := bytes.Count(cluster, opusFrame); n != 20 {
		t.Fatalf("audio frames in cluster = %d, want 20", n)
	}
}

func TestVideoFeedQueuesAudioUntilVideoArrives(t *testing.T) {
	feed := NewMediaFeed("test", true)
	feed.EnableAudio()
	ch, cancel := feed.Subscribe()
	defer cancel()

	// A video call whose camera is slow to deliver: audio alone must not
	// fabricate an audio-only stream and block the real init segment.
	for i := 0; i < 40; i++ {
		feed.PushAudio(int64(i*20), []byte{0xAA})
	}
	expectNoMsg(t, ch)
	if feed.Ready() {
		t.Fatalf("feed ready without a keyframe")
	}
}

func TestSimpleBlockEncoding(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30}
	block := webmSimpleBlock(1, 5, true, payload)

	want := []byte{
		0xA3,       // SimpleBlock id
		0x80 | 7,   // size = track vint (1) + timecode (2) + flags (1) + payload (3)
		0x81,       // track 1
		0x00, 0x05, // relative timecode 5
		0x80, // keyframe flag
		0x10, 0x20, 0x30,
	}
	if !bytes.Equal(block, want) {
		t.Fatalf("block = % x, want % x", block, want)
	}

	interBlock := webmSimpleBlock(2, -3, false, nil)
	want = []byte{0xA3, 0x80 | 4, 0x82, 0xFF, 0xFD, 0x00}
	if !bytes.Equal(interBlock, want) {
		t.Fatalf("block = % x, want % x", interBlock, want)
	}
}

func TestVintEncoding(t *testing.T) {
	cases := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{1, []byte{0x81}},
		{0x7E, []byte{0xFE}},
		{0x7F, []byte{0x40, 0x7F}},
		{0x3FFE, []byte{0x7F, 0xFE}},
		{0x3FFF, []byte{0x20, 0x3F, 0xFF}},
		{0x1FFFFE, []byte{0x3F, 0xFF, 0xFE}},
		{0x200000, []byte{0x10, 0x20, 0x00, 0x00}},
	}
	for _, c := range cases {
		if got := ebmlVint(c.v); !bytes.Equal(got, c.want) {
			t.Errorf("vint(%#x) = % x, want % x", c.v, got, c.want)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPush(t *testing.T) {
	feed := NewMediaFeed("test", true)
	ch, cancel := feed.Subscribe()
	defer cancel()

	// Fill the subscriber buffer well past capacity; pushes must not block.
	for i := 0; i < 100; i++ {
		key := i%10 == 0
		var data []byte
		if key {
			data = vp8Keyframe(320, 240)
		} else {
			data = make([]byte, 16)
		}
		feed.PushVideo(int64(i*33), key, data)
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 {
		t.Fatalf("subscriber received nothing")
	}
}

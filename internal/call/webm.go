package call

// webm.go — minimal WebM/EBML muxer feeding live call media to the viewer.
//
// Pure Go EBML encoding, no external dependencies. The stream carries VP8
// video and (optionally) Opus audio. The first message on a subscriber
// channel is the init segment (EBML header + Segment start + Info + Tracks);
// every later message is one self-contained Cluster. The browser feeds these
// to MSE on a <video>/<audio> element, so remote playback needs no
// RTCPeerConnection in the page.

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
	"sync"
)

// ─── EBML encoding helpers ───────────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, sufficient for any reasonable WebM element).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F: // 1 byte: 0xxxxxxx → 1xxxxxxx
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF: // 2 bytes
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF: // 3 bytes
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default: // 4 bytes
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the 8-byte unknown-size marker used for the streaming
// Segment element whose length is not known at write time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// ─── Element IDs ─────────────────────────────────────────────────────────────

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the codec private data (OpusHead) for mono 48 kHz Opus,
// required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd', // magic
	0x01,       // version = 1
	0x01,       // channels = 1 (mono)
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain = 0 (LE)
	0x00, // channel mapping family = 0
}

// webmInitSegment returns the WebM initialisation segment:
// EBML header + Segment (unknown size) + Info + Tracks.
// withAudio=true adds an Opus audio track (track 2) alongside VP8 video (track 1).
func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	// Segment with unknown size (streaming)
	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("tincan")),
		ebmlElem(idWrtApp, []byte("tincan")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	// Video track (track 1, VP8)
	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
		ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)), // 1 = video
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, videoBody),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		// SamplingFrequency: 4-byte IEEE 754 float
		freqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
		audioBody := ebmlConcat(
			ebmlElem(idSampFreq, freqBytes),
			ebmlElem(idChannels, ebmlUint(1)),
		)
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)), // 2 = audio
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, audioBody),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

// webmCluster builds a complete Cluster message from pre-encoded SimpleBlock
// elements. clusterMs is the cluster's absolute timecode in ms. Known size so
// MSE doesn't have to scan for the next cluster start.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes a single SimpleBlock element.
// trackNum: 1 = video, 2 = audio
// relMs: timecode relative to cluster start (signed int16)
// keyframe: true sets the keyframe flag (0x80)
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// ─── MediaFeed ───────────────────────────────────────────────────────────────

// MediaFeed muxes one live media stream (remote call media, or the local
// self-view) into WebM messages for any number of viewer subscribers.
// The session's RTP read loops call PushVideo / PushAudio; the viewer's
// media WebSocket handler calls Subscribe.
type MediaFeed struct {
	mu  sync.Mutex
	tag string // for log messages

	// videoExpected is false for voice calls; clusters are then flushed by
	// audio arrival instead of video frames.
	videoExpected bool

	dimKnown    bool
	videoWidth  uint16
	videoHeight uint16
	hasAudio    bool // set before the first frame when an audio track exists

	// Init segment (nil until the first keyframe with known dimensions)
	initSeg []byte

	// Last keyframe cluster — replayed to new subscribers so they always
	// start from a clean VP8 decode state instead of receiving P-frames
	// mid-stream and producing garbled video.
	lastKeyCluster []byte
	clusterIsKey   bool

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	// Audio frames queued between video frames; drained into each video
	// cluster. Unbounded so no audio is lost at low camera frame rates.
	audioQ []feedAudioFrame

	subs map[chan []byte]struct{}

	// Timestamp normalization: the first frame of each track becomes t=0.
	// VP8 and Opus RTP clocks start at independent random values; without
	// normalization cluster timecodes are hours off and MSE silently
	// rejects everything.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool
}

type feedAudioFrame struct {
	timecodeMs int64
	data       []byte
}

func NewMediaFeed(tag string, video bool) *MediaFeed {
	return &MediaFeed{
		tag:           tag,
		videoExpected: video,
		subs:          make(map[chan []byte]struct{}),
	}
}

// EnableAudio marks that an audio track will be included in the stream.
// Must be called before the first video frame.
func (f *MediaFeed) EnableAudio() {
	f.mu.Lock()
	f.hasAudio = true
	f.mu.Unlock()
}

// Ready reports whether the init segment exists yet (first VP8 keyframe seen).
func (f *MediaFeed) Ready() bool {
	f.mu.Lock()
	ok := f.initSeg != nil
	f.mu.Unlock()
	return ok
}

// Subscribe returns a channel of WebM binary messages and a cancel func.
// When the stream is already running the init segment and the last keyframe
// cluster are queued first, so late joiners decode cleanly.
func (f *MediaFeed) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	f.mu.Lock()
	replayed := f.initSeg != nil
	if replayed {
		select {
		case ch <- f.initSeg:
		default:
		}
		if f.lastKeyCluster != nil {
			select {
			case ch <- f.lastKeyCluster:
			default:
			}
		}
	}
	f.subs[ch] = struct{}{}
	n := len(f.subs)
	f.mu.Unlock()
	log.Printf("CALL [%s]: media subscriber added (total=%d, init_replayed=%v)", f.tag, n, replayed)
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		n := len(f.subs)
		f.mu.Unlock()
		close(ch)
		log.Printf("CALL [%s]: media subscriber removed (total=%d)", f.tag, n)
	}
}

// PushVideo ingests one complete VP8 frame. One cluster per frame, flushed
// immediately; queued audio is drained into the cluster ahead of the video
// block so subscribers always receive well-formed audio+video clusters.
func (f *MediaFeed) PushVideo(timecodeMs int64, keyframe bool, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.baseVideoSet {
		f.baseVideoMs = timecodeMs
		f.baseVideoSet = true
	}
	tsMs := timecodeMs - f.baseVideoMs

	// Extract video dimensions from the first VP8 keyframe header.
	if !f.dimKnown && keyframe && len(data) >= 10 {
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			f.videoWidth = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			f.videoHeight = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			f.videoWidth = 640 // fallback
			f.videoHeight = 480
		}
		f.dimKnown = true
	}

	// The init segment needs a keyframe: dimensions, and MSE can't start on
	// a P-frame anyway.
	if f.initSeg == nil {
		if !f.dimKnown || !keyframe {
			return
		}
		f.initSeg = webmInitSegment(f.videoWidth, f.videoHeight, f.hasAudio)
		log.Printf("CALL [%s]: media init segment — VP8 %dx%d audio=%v subs=%d",
			f.tag, f.videoWidth, f.videoHeight, f.hasAudio, len(f.subs))
		f.broadcastLocked(f.initSeg)
	}

	// Keyframes open a fresh cluster (seekable boundary point).
	if keyframe && f.clusterOpen {
		f.flushClusterLocked()
	}

	if !f.clusterOpen {
		// Anchor the cluster to the earliest queued audio frame so all audio
		// SimpleBlocks get non-negative relative timecodes.
		f.clusterStartMs = tsMs
		if len(f.audioQ) > 0 && f.audioQ[0].timecodeMs < tsMs {
			f.clusterStartMs = f.audioQ[0].timecodeMs
		}
		f.clusterOpen = true
		f.clusterIsKey = keyframe
		f.clusterBlocks.Reset()

		newQ := f.audioQ[:0]
		for _, af := range f.audioQ {
			rel := af.timecodeMs - f.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			f.clusterBlocks.Write(webmSimpleBlock(2, int16(rel), false, af.data))
		}
		f.audioQ = newQ
	}

	relMs := int16(tsMs - f.clusterStartMs)
	f.clusterBlocks.Write(webmSimpleBlock(1, relMs, keyframe, data))
	f.flushClusterLocked()
}

// PushAudio ingests one Opus frame. Audio is queued until the next video
// frame opens a cluster and drains it. Audio-only feeds (voice calls) flush
// on their own once enough frames are queued.
func (f *MediaFeed) PushAudio(timecodeMs int64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.baseAudioSet {
		f.baseAudioMs = timecodeMs
		f.baseAudioSet = true
	}
	tsMs := timecodeMs - f.baseAudioMs

	f.audioQ = append(f.audioQ, feedAudioFrame{tsMs, data})

	// Voice calls have no video track to drive cluster flushing; emit an
	// audio-only cluster every ~20 queued frames (~400 ms of Opus).
	if !f.videoExpected && len(f.audioQ) >= 20 {
		f.flushAudioOnlyLocked()
	}
}

// flushAudioOnlyLocked emits a cluster holding only queued audio, using an
// init segment that declares the Opus track alone. Must be called with
// f.mu held.
func (f *MediaFeed) flushAudioOnlyLocked() {
	if len(f.audioQ) == 0 {
		return
	}
	if f.initSeg == nil {
		f.initSeg = webmAudioInitSegment()
		log.Printf("CALL [%s]: media init segment — audio-only subs=%d", f.tag, len(f.subs))
		f.broadcastLocked(f.initSeg)
	}

	start := f.audioQ[0].timecodeMs
	var blocks bytes.Buffer
	for _, af := range f.audioQ {
		rel := af.timecodeMs - start
		if rel < 0 || rel > 30000 {
			continue
		}
		blocks.Write(webmSimpleBlock(2, int16(rel), true, af.data))
	}
	f.audioQ = f.audioQ[:0]

	cluster := webmCluster(start, blocks.Bytes())
	f.broadcastLocked(cluster)
}

// webmAudioInitSegment builds an init segment with only the Opus track.
func webmAudioInitSegment() []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))
	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)),
		ebmlElem(idMuxApp, []byte("tincan")),
		ebmlElem(idWrtApp, []byte("tincan")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	freqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
	audioBody := ebmlConcat(
		ebmlElem(idSampFreq, freqBytes),
		ebmlElem(idChannels, ebmlUint(1)),
	)
	audioEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(2)),
		ebmlElem(idTrackUID, ebmlUint(2)),
		ebmlElem(idTrackType, ebmlUint(2)),
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, audioBody),
	)
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry, audioEntry)))
	return buf.Bytes()
}

// flushClusterLocked builds a Cluster message from accumulated blocks and
// broadcasts it. Must be called with f.mu held.
func (f *MediaFeed) flushClusterLocked() {
	if !f.clusterOpen || f.clusterBlocks.Len() == 0 {
		f.clusterOpen = false
		return
	}
	cluster := webmCluster(f.clusterStartMs, f.clusterBlocks.Bytes())
	// Cache keyframe clusters for the late-joiner replay in Subscribe.
	if f.clusterIsKey {
		f.lastKeyCluster = cluster
	}
	f.clusterOpen = false
	f.clusterIsKey = false
	f.clusterBlocks.Reset()
	f.broadcastLocked(cluster)
}

// broadcastLocked sends data to all subscribers, dropping slow ones.
// Must be called with f.mu held.
func (f *MediaFeed) broadcastLocked(data []byte) {
	for ch := range f.subs {
		select {
		case ch <- data:
		default: // subscriber too slow — drop, don't block
		}
	}
}

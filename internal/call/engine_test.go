package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu        sync.Mutex
	published []Signal
	inbound   chan Signal
	offer     *Signal
	failTypes map[SignalType]bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		inbound:   make(chan Signal, 16),
		failTypes: make(map[SignalType]bool),
	}
}

func (f *fakeSignaler) Publish(_ context.Context, sig Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTypes[sig.Type] {
		return errors.New("publish failed")
	}
	f.published = append(f.published, sig)
	return nil
}

func (f *fakeSignaler) Subscribe() (chan Signal, func()) {
	return f.inbound, func() {}
}

func (f *fakeSignaler) LatestOffer(context.Context, string) (Signal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offer == nil {
		return Signal{}, false, nil
	}
	return *f.offer, true, nil
}

func (f *fakeSignaler) sent(t SignalType) []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Signal
	for _, s := range f.published {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	released int
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type fakeCapturer struct {
	mu      sync.Mutex
	err     error
	handles []*fakeMedia
	block   chan struct{} // when non-nil, Acquire waits for it
	entered chan struct{} // signaled when Acquire starts
}

func (c *fakeCapturer) Acquire(context.Context, bool) (MediaHandle, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return nil, c.err
	}
	m := &fakeMedia{}
	c.mu.Lock()
	c.handles = append(c.handles, m)
	c.mu.Unlock()
	return m, nil
}

type fakePeer struct {
	mu           sync.Mutex
	remoteOffers []string
	remoteAnswrs []string
	closed       int
}

func (p *fakePeer) CreateOffer(context.Context) (string, error)  { return "local-offer-sdp", nil }
func (p *fakePeer) CreateAnswer(context.Context) (string, error) { return "local-answer-sdp", nil }

func (p *fakePeer) SetRemoteOffer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteOffers = append(p.remoteOffers, sdp)
	return nil
}

func (p *fakePeer) SetRemoteAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteAnswrs = append(p.remoteAnswrs, sdp)
	return nil
}

func (p *fakePeer) AddRemoteCandidate(string)     {}
func (p *fakePeer) SetTrackEnabled(bool, bool)    {}
func (p *fakePeer) Close()                        { p.mu.Lock(); p.closed++; p.mu.Unlock() }
func (p *fakePeer) closeCount() int               { p.mu.Lock(); defer p.mu.Unlock(); return p.closed }

type fakeHistory struct {
	mu   sync.Mutex
	recs []HistoryRecord
}

func (h *fakeHistory) RecordCall(_ context.Context, rec HistoryRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) records() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryRecord(nil), h.recs...)
}

type fixture struct {
	eng  *Engine
	sig  *fakeSignaler
	capt *fakeCapturer
	hist *fakeHistory
	peer *fakePeer
	cfgs []SessionConfig

	clock struct {
		sync.Mutex
		t time.Time
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		sig:  newFakeSignaler(),
		capt: &fakeCapturer{},
		hist: &fakeHistory{},
		peer: &fakePeer{},
	}
	fx.clock.t = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fx.eng = NewEngine(Options{
		Signaler: fx.sig,
		Capturer: fx.capt,
		History:  fx.hist,
		SelfID:   "me",
		SelfName: "Me",
		NewSession: func(cfg SessionConfig, _ MediaHandle) (Peer, error) {
			fx.cfgs = append(fx.cfgs, cfg)
			return fx.peer, nil
		},
		Now: func() time.Time {
			fx.clock.Lock()
			defer fx.clock.Unlock()
			return fx.clock.t
		},
	})
	t.Cleanup(fx.eng.Close)
	return fx
}

func (fx *fixture) advance(d time.Duration) {
	fx.clock.Lock()
	fx.clock.t = fx.clock.t.Add(d)
	fx.clock.Unlock()
}

// deliver pushes an inbound signal and waits until the dispatch loop has
// drained the channel, plus a beat for the handler itself to finish.
func (fx *fixture) deliver(t *testing.T, sig Signal) {
	t.Helper()
	fx.sig.inbound <- sig
	waitFor(t, func() bool { return len(fx.sig.inbound) == 0 })
	time.Sleep(10 * time.Millisecond)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func startCall(t *testing.T, fx *fixture) {
	t.Helper()
	err := fx.eng.StartCall(context.Background(), "conv-1", "bob", "Bob", KindVoice, nil)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestStartCallPublishesStartThenOffer(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	if got := fx.eng.State().Phase; got != PhaseRinging {
		t.Fatalf("phase = %s", got)
	}
	if len(fx.sig.published) < 2 {
		t.Fatalf("published %d signals", len(fx.sig.published))
	}
	if fx.sig.published[0].Type != SignalCallStart {
		t.Fatalf("first signal = %s", fx.sig.published[0].Type)
	}
	if fx.sig.published[0].Start == nil || fx.sig.published[0].Start.CallerName != "Me" {
		t.Fatalf("call-start payload = %+v", fx.sig.published[0].Start)
	}
	if fx.sig.published[1].Type != SignalOffer || fx.sig.published[1].SDP != "local-offer-sdp" {
		t.Fatalf("second signal = %+v", fx.sig.published[1])
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	err := fx.eng.StartCall(context.Background(), "conv-2", "carol", "Carol", KindVideo, nil)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnansweredOutgoingCall(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	fx.eng.EndCall(context.Background())

	st := fx.eng.State()
	if st.Phase != PhaseIdle {
		t.Fatalf("phase = %s", st.Phase)
	}

	recs := fx.hist.records()
	if len(recs) != 1 {
		t.Fatalf("history records = %d", len(recs))
	}
	if recs[0].Status != "no_answer" {
		t.Fatalf("status = %s", recs[0].Status)
	}
	if recs[0].DurationSeconds != 0 {
		t.Fatalf("duration = %d", recs[0].DurationSeconds)
	}
	if recs[0].CallerID != "me" {
		t.Fatalf("caller = %s", recs[0].CallerID)
	}

	if n := fx.capt.handles[0].releaseCount(); n != 1 {
		t.Fatalf("media released %d times", n)
	}
	if n := fx.peer.closeCount(); n != 1 {
		t.Fatalf("session closed %d times", n)
	}
	if len(fx.sig.sent(SignalEnd)) != 1 {
		t.Fatalf("call-end signals = %d", len(fx.sig.sent(SignalEnd)))
	}
}

func TestInboundStartWhileRingingIsIgnored(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	fx.deliver(t, Signal{
		Type:           SignalCallStart,
		ConversationID: "conv-9",
		From:           "mallory",
		Kind:           KindVideo,
		Start:          &StartPayload{CallerName: "Mallory"},
	})

	st := fx.eng.State()
	if st.Direction != DirOutgoing || st.RemoteUserID != "bob" || st.ConversationID != "conv-1" {
		t.Fatalf("outgoing attempt disturbed: %+v", st)
	}
}

func TestConnectedThenFailedRecordsCompletedDuration(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	fx.deliver(t, Signal{Type: SignalAnswer, ConversationID: "conv-1", From: "bob", SDP: "remote-answer"})
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseConnecting })

	fx.cfgs[0].OnConnectivity(ConnConnected)
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseConnected })

	fx.advance(45 * time.Second)
	fx.cfgs[0].OnConnectivity(ConnFailed)
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseIdle })

	recs := fx.hist.records()
	if len(recs) != 1 {
		t.Fatalf("history records = %d", len(recs))
	}
	if recs[0].Status != "completed" {
		t.Fatalf("status = %s", recs[0].Status)
	}
	if recs[0].DurationSeconds != 45 {
		t.Fatalf("duration = %d", recs[0].DurationSeconds)
	}
}

func TestDuplicateAnswerIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	answer := Signal{Type: SignalAnswer, ConversationID: "conv-1", From: "bob", SDP: "remote-answer"}
	fx.deliver(t, answer)
	fx.deliver(t, answer)

	st := fx.eng.State()
	if st.Phase != PhaseConnecting {
		t.Fatalf("phase = %s", st.Phase)
	}
	// One live session throughout; duplicates never resurrect or fork it.
	if fx.peer.closeCount() != 0 {
		t.Fatalf("session closed prematurely")
	}
}

func TestAnswerCallUsesNewestOffer(t *testing.T) {
	fx := newFixture(t)

	fx.deliver(t, Signal{
		Type:           SignalCallStart,
		ConversationID: "conv-1",
		From:           "alice",
		Kind:           KindVoice,
		Start:          &StartPayload{CallerName: "Alice"},
	})
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseRinging })

	// Two offers exist (retry/duplicate); the store resolves to the newest.
	fx.sig.offer = &Signal{Type: SignalOffer, ConversationID: "conv-1", SDP: "offer-T2", CreatedAt: time.Now()}

	if err := fx.eng.AnswerCall(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}

	if len(fx.peer.remoteOffers) != 1 || fx.peer.remoteOffers[0] != "offer-T2" {
		t.Fatalf("applied offers = %v", fx.peer.remoteOffers)
	}
	answers := fx.sig.sent(SignalAnswer)
	if len(answers) != 1 || answers[0].SDP != "local-answer-sdp" {
		t.Fatalf("answer signals = %+v", answers)
	}
	if fx.eng.State().Phase != PhaseConnecting {
		t.Fatalf("phase = %s", fx.eng.State().Phase)
	}
}

func TestRejectCall(t *testing.T) {
	fx := newFixture(t)

	fx.deliver(t, Signal{
		Type:           SignalCallStart,
		ConversationID: "conv-1",
		From:           "alice",
		Kind:           KindVideo,
		Start:          &StartPayload{CallerName: "Alice"},
	})
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseRinging })

	if err := fx.eng.RejectCall(context.Background()); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if len(fx.sig.sent(SignalReject)) != 1 {
		t.Fatalf("reject signals = %d", len(fx.sig.sent(SignalReject)))
	}
	// The rejection already told the caller; no call-end echo.
	if len(fx.sig.sent(SignalEnd)) != 0 {
		t.Fatalf("unexpected call-end signal")
	}

	recs := fx.hist.records()
	if len(recs) != 1 || recs[0].Status != "rejected" {
		t.Fatalf("history = %+v", recs)
	}
	if recs[0].CallerID != "alice" {
		t.Fatalf("caller = %s", recs[0].CallerID)
	}
}

func TestRemoteEndWhileIncomingRingingIsMissed(t *testing.T) {
	fx := newFixture(t)

	fx.deliver(t, Signal{
		Type:           SignalCallStart,
		ConversationID: "conv-1",
		From:           "alice",
		Kind:           KindVoice,
		Start:          &StartPayload{CallerName: "Alice"},
	})
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseRinging })

	fx.deliver(t, Signal{Type: SignalEnd, ConversationID: "conv-1", From: "alice"})
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseIdle })

	recs := fx.hist.records()
	if len(recs) != 1 || recs[0].Status != "missed" {
		t.Fatalf("history = %+v", recs)
	}
	// The remote hung up; replying with call-end would echo.
	if len(fx.sig.sent(SignalEnd)) != 0 {
		t.Fatalf("unexpected call-end signal")
	}
}

func TestEndCallSafeFromEveryPhase(t *testing.T) {
	t.Run("idle is a no-op", func(t *testing.T) {
		fx := newFixture(t)
		fx.eng.EndCall(context.Background())
		if len(fx.hist.records()) != 0 {
			t.Fatalf("unexpected history record")
		}
	})

	t.Run("incoming ringing", func(t *testing.T) {
		fx := newFixture(t)
		fx.deliver(t, Signal{
			Type:           SignalCallStart,
			ConversationID: "conv-1",
			From:           "alice",
			Kind:           KindVoice,
			Start:          &StartPayload{CallerName: "Alice"},
		})
		waitFor(t, func() bool { return fx.eng.State().Phase == PhaseRinging })
		fx.eng.EndCall(context.Background())
		if fx.eng.State().Phase != PhaseIdle {
			t.Fatalf("phase = %s", fx.eng.State().Phase)
		}
	})

	t.Run("connected", func(t *testing.T) {
		fx := newFixture(t)
		startCall(t, fx)
		fx.cfgs[0].OnConnectivity(ConnConnected)
		waitFor(t, func() bool { return fx.eng.State().Phase == PhaseConnected })

		fx.eng.EndCall(context.Background())
		fx.eng.EndCall(context.Background()) // idempotent

		if fx.eng.State().Phase != PhaseIdle {
			t.Fatalf("phase = %s", fx.eng.State().Phase)
		}
		if len(fx.hist.records()) != 1 {
			t.Fatalf("history records = %d", len(fx.hist.records()))
		}
		if n := fx.capt.handles[0].releaseCount(); n != 1 {
			t.Fatalf("media released %d times", n)
		}
	})
}

func TestDeviceUnavailableAbortsAttempt(t *testing.T) {
	fx := newFixture(t)
	fx.capt.err = ErrDeviceUnavailable

	err := fx.eng.StartCall(context.Background(), "conv-1", "bob", "Bob", KindVideo, nil)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if fx.eng.State().Phase != PhaseIdle {
		t.Fatalf("phase = %s", fx.eng.State().Phase)
	}
	st := fx.eng.State()
	if st.LastError == "" {
		t.Fatalf("expected a user-visible error")
	}
}

func TestOfferPublishFailureAbortsAttempt(t *testing.T) {
	fx := newFixture(t)
	fx.sig.failTypes[SignalOffer] = true

	err := fx.eng.StartCall(context.Background(), "conv-1", "bob", "Bob", KindVoice, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if fx.eng.State().Phase != PhaseIdle {
		t.Fatalf("phase = %s", fx.eng.State().Phase)
	}
	if n := fx.capt.handles[0].releaseCount(); n != 1 {
		t.Fatalf("media released %d times", n)
	}
	if n := fx.peer.closeCount(); n != 1 {
		t.Fatalf("session closed %d times", n)
	}
}

func TestTeardownDuringAcquireCancelsSetup(t *testing.T) {
	fx := newFixture(t)
	fx.capt.block = make(chan struct{})
	fx.capt.entered = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- fx.eng.StartCall(context.Background(), "conv-1", "bob", "Bob", KindVoice, nil)
	}()

	<-fx.capt.entered // StartCall is inside Acquire now
	fx.eng.EndCall(context.Background())
	close(fx.capt.block)

	if err := <-errCh; err != nil {
		t.Fatalf("start call: %v", err)
	}

	waitFor(t, func() bool {
		fx.capt.mu.Lock()
		defer fx.capt.mu.Unlock()
		return len(fx.capt.handles) == 1 && fx.capt.handles[0].releaseCount() == 1
	})

	// The stale completion must not resurrect a session.
	if fx.eng.State().Phase != PhaseIdle {
		t.Fatalf("phase = %s", fx.eng.State().Phase)
	}
	if len(fx.cfgs) != 0 {
		t.Fatalf("session created after teardown")
	}
}

func TestCandidatesForwardedOnlyToLiveSession(t *testing.T) {
	fx := newFixture(t)
	startCall(t, fx)

	// Candidate emitted by the session is published as a signal.
	fx.cfgs[0].OnLocalCandidate(`{"candidate":"candidate:1"}`)
	waitFor(t, func() bool { return len(fx.sig.sent(SignalICE)) == 1 })

	fx.eng.EndCall(context.Background())

	// Stale emissions after teardown are dropped.
	fx.cfgs[0].OnLocalCandidate(`{"candidate":"candidate:2"}`)
	time.Sleep(20 * time.Millisecond)
	if n := len(fx.sig.sent(SignalICE)); n != 1 {
		t.Fatalf("ice signals = %d", n)
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	fx := newFixture(t)
	fx.eng.Close()

	fx.eng = NewEngine(Options{
		Signaler:    fx.sig,
		Capturer:    fx.capt,
		History:     fx.hist,
		SelfID:      "me",
		SelfName:    "Me",
		RingTimeout: 30 * time.Millisecond,
		NewSession: func(cfg SessionConfig, _ MediaHandle) (Peer, error) {
			fx.cfgs = append(fx.cfgs, cfg)
			return fx.peer, nil
		},
	})
	defer fx.eng.Close()

	startCall(t, fx)
	waitFor(t, func() bool { return fx.eng.State().Phase == PhaseIdle })

	recs := fx.hist.records()
	if len(recs) != 1 || recs[0].Status != "no_answer" {
		t.Fatalf("history = %+v", recs)
	}
}

// Package call implements the peer-to-peer call core: a signaling state
// machine over an unordered, at-least-once signal channel, driving one
// pion peer session per call attempt.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Peer is the slice of Session the engine drives; narrowed to an interface
// so the state machine is testable without pion.
type Peer interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddRemoteCandidate(candidate string)
	SetTrackEnabled(video bool, enabled bool)
	Close()
}

// SessionFactory builds one Peer per call attempt.
type SessionFactory func(cfg SessionConfig, media MediaHandle) (Peer, error)

// Options wires an Engine.
type Options struct {
	Signaler Signaler
	Capturer Capturer
	Profiles ProfileResolver
	History  HistoryWriter

	SelfID   string
	SelfName string

	ICEServers  []string
	RingTimeout time.Duration // 0 = never auto-cancel an unanswered outgoing ring

	// NewSession defaults to the pion-backed Session.
	NewSession SessionFactory

	// Now defaults to time.Now; injectable for duration tests.
	Now func() time.Time
}

// endCause classifies why a call attempt is being torn down; together with
// "did we ever connect" it yields the persisted history status.
type endCause int

const (
	causeLocalHangup endCause = iota
	causeLocalReject
	causeRemoteEnd
	causeRemoteReject
	causeConnLost
	causeSetupFailed
)

// Engine is the call state machine. One instance per client session; all
// transitions run under a single mutex, and a generation counter makes
// in-flight async work from a torn-down attempt a no-op.
type Engine struct {
	opt Options

	mu        sync.Mutex
	gen       int
	st        State
	session   Peer
	media     MediaHandle
	subCancel func()

	listenerMu sync.RWMutex
	listeners  map[chan State]struct{}

	done chan struct{}
}

// NewEngine creates the engine and starts consuming inbound signals.
func NewEngine(opt Options) *Engine {
	if opt.NewSession == nil {
		opt.NewSession = func(cfg SessionConfig, media MediaHandle) (Peer, error) {
			return NewSession(cfg, media)
		}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	e := &Engine{
		opt:       opt,
		st:        State{Phase: PhaseIdle},
		listeners: make(map[chan State]struct{}),
		done:      make(chan struct{}),
	}

	ch, cancel := opt.Signaler.Subscribe()
	e.subCancel = cancel
	go e.dispatchLoop(ch)

	return e
}

// State returns a snapshot of the current call state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() State {
	st := e.st
	st.Participants = append([]string(nil), e.st.Participants...)
	return st
}

// Subscribe returns a channel receiving a state snapshot after every
// transition. Sends are non-blocking; cancel closes the channel.
func (e *Engine) Subscribe() (ch chan State, cancel func()) {
	ch = make(chan State, 16)

	e.listenerMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()

	cancel = func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) notify(st State) {
	e.listenerMu.RLock()
	for ch := range e.listeners {
		select {
		case ch <- st:
		default:
		}
	}
	e.listenerMu.RUnlock()
}

// Close tears down any active call and stops the engine.
func (e *Engine) Close() {
	select {
	case <-e.done:
		return
	default:
		close(e.done)
	}

	e.mu.Lock()
	g := e.gen
	active := e.st.Phase != PhaseIdle
	e.mu.Unlock()
	if active {
		e.teardown(g, causeLocalHangup, "")
	}

	if e.subCancel != nil {
		e.subCancel()
	}

	e.listenerMu.Lock()
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = make(map[chan State]struct{})
	e.listenerMu.Unlock()
}

// ─── user actions ────────────────────────────────────────────────────────────

// StartCall begins an outgoing call. Precondition: Idle. Any failure in the
// acquire→session→signal sequence falls through to the one teardown path, so
// no partial state survives.
func (e *Engine) StartCall(ctx context.Context, conversationID, remoteID, remoteName string, kind Kind, participants []string) error {
	e.mu.Lock()
	if e.st.Phase != PhaseIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	g := e.gen
	e.st = State{
		Phase:          PhaseRinging,
		Direction:      DirOutgoing,
		Kind:           kind,
		ConversationID: conversationID,
		RemoteUserID:   remoteID,
		RemoteName:     remoteName,
		IsGroup:        len(participants) > 1,
		Participants:   append([]string(nil), participants...),
	}
	st := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(st)
	log.Printf("CALL [%s]: outgoing %s call to %s", conversationID, kind, remoteID)

	media, err := e.opt.Capturer.Acquire(ctx, kind == KindVideo)
	if err != nil {
		e.teardown(g, causeSetupFailed, fmt.Sprintf("media: %v", err))
		return fmt.Errorf("acquire media: %w", err)
	}
	if !e.adopt(g, func() { e.media = media }) {
		media.Release() // torn down while acquiring
		return nil
	}

	sess, err := e.opt.NewSession(e.sessionConfig(conversationID, kind, g), media)
	if err != nil {
		e.teardown(g, causeSetupFailed, fmt.Sprintf("session: %v", err))
		return fmt.Errorf("create session: %w", err)
	}
	if !e.adopt(g, func() { e.session = sess }) {
		sess.Close()
		return nil
	}

	start := Signal{
		Type:           SignalCallStart,
		ConversationID: conversationID,
		To:             remoteID,
		Kind:           kind,
		Start:          &StartPayload{CallerName: e.opt.SelfName, Participants: participants},
	}
	if err := e.opt.Signaler.Publish(ctx, start); err != nil {
		e.teardown(g, causeSetupFailed, "signal publish failed")
		return fmt.Errorf("publish call-start: %w", err)
	}

	sdp, err := sess.CreateOffer(ctx)
	if err != nil {
		e.teardown(g, causeSetupFailed, "offer generation failed")
		return fmt.Errorf("create offer: %w", err)
	}
	offer := Signal{
		Type:           SignalOffer,
		ConversationID: conversationID,
		To:             remoteID,
		Kind:           kind,
		SDP:            sdp,
	}
	if err := e.opt.Signaler.Publish(ctx, offer); err != nil {
		e.teardown(g, causeSetupFailed, "signal publish failed")
		return fmt.Errorf("publish offer: %w", err)
	}

	if e.opt.RingTimeout > 0 {
		time.AfterFunc(e.opt.RingTimeout, func() {
			e.mu.Lock()
			expired := e.gen == g && e.st.Phase == PhaseRinging
			e.mu.Unlock()
			if expired {
				log.Printf("CALL [%s]: ring timeout", conversationID)
				e.teardown(g, causeLocalHangup, "")
			}
		})
	}
	return nil
}

// AnswerCall accepts the ringing incoming call: acquire media, create the
// session, apply the newest pending offer (created_at tie-break), and
// publish the answer.
func (e *Engine) AnswerCall(ctx context.Context) error {
	e.mu.Lock()
	if e.st.Phase != PhaseRinging || e.st.Direction != DirIncoming {
		e.mu.Unlock()
		return ErrNotRinging
	}
	g := e.gen
	e.st.Phase = PhaseConnecting
	conversationID := e.st.ConversationID
	remoteID := e.st.RemoteUserID
	kind := e.st.Kind
	st := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(st)
	log.Printf("CALL [%s]: answering %s call from %s", conversationID, kind, remoteID)

	media, err := e.opt.Capturer.Acquire(ctx, kind == KindVideo)
	if err != nil {
		e.teardown(g, causeSetupFailed, fmt.Sprintf("media: %v", err))
		return fmt.Errorf("acquire media: %w", err)
	}
	if !e.adopt(g, func() { e.media = media }) {
		media.Release()
		return nil
	}

	sess, err := e.opt.NewSession(e.sessionConfig(conversationID, kind, g), media)
	if err != nil {
		e.teardown(g, causeSetupFailed, fmt.Sprintf("session: %v", err))
		return fmt.Errorf("create session: %w", err)
	}
	if !e.adopt(g, func() { e.session = sess }) {
		sess.Close()
		return nil
	}

	offer, ok, err := e.opt.Signaler.LatestOffer(ctx, conversationID)
	if err != nil {
		e.teardown(g, causeSetupFailed, "offer lookup failed")
		return fmt.Errorf("latest offer: %w", err)
	}
	if !ok {
		e.teardown(g, causeSetupFailed, "no pending offer")
		return ErrNoPendingOffer
	}
	if err := sess.SetRemoteOffer(offer.SDP); err != nil {
		e.teardown(g, causeSetupFailed, "remote offer rejected")
		return fmt.Errorf("apply offer: %w", err)
	}

	sdp, err := sess.CreateAnswer(ctx)
	if err != nil {
		e.teardown(g, causeSetupFailed, "answer generation failed")
		return fmt.Errorf("create answer: %w", err)
	}
	answer := Signal{
		Type:           SignalAnswer,
		ConversationID: conversationID,
		To:             remoteID,
		Kind:           kind,
		SDP:            sdp,
	}
	if err := e.opt.Signaler.Publish(ctx, answer); err != nil {
		e.teardown(g, causeSetupFailed, "signal publish failed")
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

// RejectCall declines the ringing incoming call.
func (e *Engine) RejectCall(ctx context.Context) error {
	e.mu.Lock()
	if e.st.Phase != PhaseRinging || e.st.Direction != DirIncoming {
		e.mu.Unlock()
		return ErrNotRinging
	}
	g := e.gen
	conversationID := e.st.ConversationID
	remoteID := e.st.RemoteUserID
	kind := e.st.Kind
	e.mu.Unlock()

	e.publishBestEffort(ctx, Signal{
		Type:           SignalReject,
		ConversationID: conversationID,
		To:             remoteID,
		Kind:           kind,
	})
	e.teardown(g, causeLocalReject, "")
	return nil
}

// EndCall hangs up. Safe to call from every phase; a no-op when Idle.
func (e *Engine) EndCall(ctx context.Context) {
	e.mu.Lock()
	if e.st.Phase == PhaseIdle {
		e.mu.Unlock()
		return
	}
	g := e.gen
	e.mu.Unlock()
	_ = ctx
	e.teardown(g, causeLocalHangup, "")
}

// ToggleMute flips the microphone; returns the new muted state.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Phase == PhaseIdle {
		return false
	}
	e.st.Muted = !e.st.Muted
	if e.session != nil {
		e.session.SetTrackEnabled(false, !e.st.Muted)
	}
	st := e.snapshotLocked()
	go e.notify(st)
	return e.st.Muted
}

// ToggleVideo flips the camera; returns the new video-off state.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Phase == PhaseIdle || e.st.Kind != KindVideo {
		return false
	}
	e.st.VideoOff = !e.st.VideoOff
	if e.session != nil {
		e.session.SetTrackEnabled(true, !e.st.VideoOff)
	}
	st := e.snapshotLocked()
	go e.notify(st)
	return e.st.VideoOff
}

// ActiveSession exposes the live pion session for the viewer's media
// plumbing; nil when the session is a test fake or no call is active.
func (e *Engine) ActiveSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.session.(*Session); ok {
		return s
	}
	return nil
}

// ─── inbound signals ─────────────────────────────────────────────────────────

func (e *Engine) dispatchLoop(ch chan Signal) {
	for {
		select {
		case <-e.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			e.dispatch(sig)
		}
	}
}

func (e *Engine) dispatch(sig Signal) {
	switch sig.Type {
	case SignalCallStart:
		e.onInboundStart(sig)
	case SignalOffer:
		e.onInboundOffer(sig)
	case SignalAnswer:
		e.onInboundAnswer(sig)
	case SignalICE:
		e.onInboundCandidate(sig)
	case SignalEnd:
		e.onInboundEnd(sig, causeRemoteEnd)
	case SignalReject:
		e.onInboundEnd(sig, causeRemoteReject)
	default:
		log.Printf("CALL: ignoring unknown signal type %q", sig.Type)
	}
}

func (e *Engine) onInboundStart(sig Signal) {
	// Resolve the caller's name outside the lock; the payload usually
	// carries it, the profile lookup is the fallback.
	name := ""
	var participants []string
	if sig.Start != nil {
		name = sig.Start.CallerName
		participants = sig.Start.Participants
	}
	if name == "" && e.opt.Profiles != nil {
		ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
		name = e.opt.Profiles.DisplayNameOf(ctx, sig.From)
		cancelFn()
	}

	e.mu.Lock()
	if e.st.Phase != PhaseIdle {
		// Busy: no call-waiting, the inbound ring is dropped.
		e.mu.Unlock()
		log.Printf("CALL [%s]: ignoring call-start from %s (busy, phase=%s)", sig.ConversationID, sig.From, e.st.Phase)
		return
	}
	e.st = State{
		Phase:          PhaseRinging,
		Direction:      DirIncoming,
		Kind:           sig.Kind,
		ConversationID: sig.ConversationID,
		RemoteUserID:   sig.From,
		RemoteName:     name,
		IsGroup:        len(participants) > 1,
		Participants:   append([]string(nil), participants...),
	}
	st := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(st)
	log.Printf("CALL [%s]: incoming %s call from %s (%s)", sig.ConversationID, sig.Kind, sig.From, name)
}

// onInboundOffer handles offers pushed while a call is already being
// answered; AnswerCall pulls the authoritative newest offer itself, so this
// is only a duplicate-tolerant re-apply.
func (e *Engine) onInboundOffer(sig Signal) {
	e.mu.Lock()
	sess := e.session
	relevant := e.st.Phase != PhaseIdle &&
		e.st.Direction == DirIncoming &&
		e.st.ConversationID == sig.ConversationID
	e.mu.Unlock()
	if !relevant || sess == nil {
		return
	}
	if err := sess.SetRemoteOffer(sig.SDP); err != nil {
		log.Printf("CALL [%s]: late offer rejected: %v", sig.ConversationID, err)
	}
}

func (e *Engine) onInboundAnswer(sig Signal) {
	e.mu.Lock()
	g := e.gen
	sess := e.session
	applies := (e.st.Phase == PhaseRinging && e.st.Direction == DirOutgoing || e.st.Phase == PhaseConnecting) &&
		e.st.ConversationID == sig.ConversationID
	e.mu.Unlock()
	if !applies || sess == nil {
		log.Printf("CALL [%s]: stale answer ignored", sig.ConversationID)
		return
	}

	if err := sess.SetRemoteAnswer(sig.SDP); err != nil {
		log.Printf("CALL [%s]: apply answer: %v", sig.ConversationID, err)
		e.teardown(g, causeSetupFailed, "remote answer rejected")
		return
	}

	e.mu.Lock()
	if e.gen == g && e.st.Phase == PhaseRinging {
		e.st.Phase = PhaseConnecting
		st := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(st)
		return
	}
	e.mu.Unlock()
}

func (e *Engine) onInboundCandidate(sig Signal) {
	e.mu.Lock()
	sess := e.session
	relevant := e.st.Phase != PhaseIdle && e.st.ConversationID == sig.ConversationID
	e.mu.Unlock()
	if relevant && sess != nil {
		sess.AddRemoteCandidate(sig.Candidate)
	}
}

func (e *Engine) onInboundEnd(sig Signal, cause endCause) {
	e.mu.Lock()
	if e.st.Phase == PhaseIdle || e.st.ConversationID != sig.ConversationID {
		e.mu.Unlock()
		return
	}
	g := e.gen
	e.mu.Unlock()
	e.teardown(g, cause, "")
}

// ─── session callbacks ───────────────────────────────────────────────────────

func (e *Engine) sessionConfig(conversationID string, kind Kind, g int) SessionConfig {
	return SessionConfig{
		Tag:        conversationID,
		Video:      kind == KindVideo,
		ICEServers: e.opt.ICEServers,
		OnLocalCandidate: func(candidate string) {
			e.mu.Lock()
			live := e.gen == g && e.st.Phase != PhaseIdle
			remoteID := e.st.RemoteUserID
			e.mu.Unlock()
			if !live {
				return
			}
			ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			e.publishBestEffort(ctx, Signal{
				Type:           SignalICE,
				ConversationID: conversationID,
				To:             remoteID,
				Kind:           kind,
				Candidate:      candidate,
			})
		},
		OnConnectivity: func(state ConnState) {
			e.onConnectivity(g, state)
		},
	}
}

func (e *Engine) onConnectivity(g int, state ConnState) {
	switch state {
	case ConnConnected:
		e.mu.Lock()
		if e.gen != g || e.st.Phase == PhaseIdle || e.st.Phase == PhaseConnected {
			e.mu.Unlock()
			return
		}
		e.st.Phase = PhaseConnected
		e.st.StartedAt = e.opt.Now()
		st := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(st)
		log.Printf("CALL [%s]: connected", st.ConversationID)

	case ConnDisconnected, ConnFailed:
		e.teardown(g, causeConnLost, "")

	case ConnChecking, ConnClosed:
		// checking is already Connecting from the engine's view; closed
		// always follows a teardown we initiated.
	}
}

// ─── teardown ────────────────────────────────────────────────────────────────

// teardown is the single exit path from every non-Idle phase: publish the
// end signal when we initiated the end, release media, close the session,
// persist history, reset to Idle. Generation-guarded and idempotent.
func (e *Engine) teardown(g int, cause endCause, errMsg string) {
	e.mu.Lock()
	if e.gen != g || e.st.Phase == PhaseIdle {
		e.mu.Unlock()
		return
	}
	e.gen++
	prev := e.st
	sess := e.session
	media := e.media
	e.session = nil
	e.media = nil
	e.st = State{Phase: PhaseIdle, LastError: errMsg}
	idle := e.snapshotLocked()
	e.mu.Unlock()

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	// Tell the remote side only when the end originates here; echoing an
	// end back at the peer that sent it would bounce signals forever.
	locallyInitiated := cause == causeLocalHangup || cause == causeConnLost || cause == causeSetupFailed
	if locallyInitiated && prev.RemoteUserID != "" {
		e.publishBestEffort(ctx, Signal{
			Type:           SignalEnd,
			ConversationID: prev.ConversationID,
			To:             prev.RemoteUserID,
			Kind:           prev.Kind,
		})
	}

	if media != nil {
		media.Release()
	}
	if sess != nil {
		sess.Close()
	}

	now := e.opt.Now()
	duration := 0
	if !prev.StartedAt.IsZero() {
		duration = int(now.Sub(prev.StartedAt) / time.Second)
	}

	callerID := prev.RemoteUserID
	if prev.Direction == DirOutgoing {
		callerID = e.opt.SelfID
	}
	rec := HistoryRecord{
		ConversationID:  prev.ConversationID,
		CallerID:        callerID,
		CallType:        prev.Kind,
		Status:          historyStatus(prev, cause),
		DurationSeconds: duration,
		StartedAt:       prev.StartedAt,
		EndedAt:         now,
	}
	if e.opt.History != nil {
		if err := e.opt.History.RecordCall(ctx, rec); err != nil {
			log.Printf("CALL [%s]: record history: %v", prev.ConversationID, err)
		}
	}

	e.notify(idle)
	log.Printf("CALL [%s]: ended (status=%s duration=%ds)", prev.ConversationID, rec.Status, duration)
}

// historyStatus derives the persisted status from how far the call got and
// who ended it.
func historyStatus(prev State, cause endCause) string {
	if !prev.StartedAt.IsZero() {
		// Once connected, any ending (including connectivity loss) is a
		// completed call with the achieved duration.
		return "completed"
	}
	switch cause {
	case causeLocalReject, causeRemoteReject:
		return "rejected"
	case causeRemoteEnd:
		return "missed"
	default:
		return "no_answer"
	}
}

// publishBestEffort sends signals whose loss must not fail the call
// (candidates, end, reject): one retry, then log and move on.
func (e *Engine) publishBestEffort(ctx context.Context, sig Signal) {
	if err := e.opt.Signaler.Publish(ctx, sig); err == nil {
		return
	} else if err2 := e.opt.Signaler.Publish(ctx, sig); err2 != nil {
		log.Printf("CALL [%s]: %s publish failed: %v", sig.ConversationID, sig.Type, err2)
	}
}

// adopt commits async work into engine state iff the attempt is still the
// live generation; returns false when torn down meanwhile.
func (e *Engine) adopt(g int, commit func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != g || e.st.Phase == PhaseIdle {
		return false
	}
	commit()
	return true
}

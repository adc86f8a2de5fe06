package call

import (
	"context"
	"errors"
	"time"
)

// Kind selects the media requested for a call.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Phase is the lifecycle state of the single local call slot.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseEnded      Phase = "ended"
)

// Direction distinguishes who rang whom while ringing.
type Direction string

const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
)

// Signal types as they appear in the signaling rows.
type SignalType string

const (
	SignalCallStart SignalType = "call-start"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalICE       SignalType = "ice-candidate"
	SignalReject    SignalType = "call-reject"
	SignalEnd       SignalType = "call-end"
)

// StartPayload rides on a call-start signal.
type StartPayload struct {
	CallerName   string   `json:"username"`
	Participants []string `json:"participants,omitempty"`
}

// Signal is one signaling message, inbound or outbound. Exactly one of
// Start / SDP / Candidate is populated depending on Type.
type Signal struct {
	Type           SignalType
	ConversationID string
	From           string // caller_id
	To             string // callee_id
	Kind           Kind

	Start     *StartPayload
	SDP       string
	Candidate string // serialized ICE candidate init

	CreatedAt time.Time
}

// Signaler is the signal-channel boundary: publish outbound rows, receive
// the unordered at-least-once stream addressed to the local user, and
// query the most recent pending offer for a conversation.
type Signaler interface {
	Publish(ctx context.Context, sig Signal) error
	Subscribe() (ch chan Signal, cancel func())
	LatestOffer(ctx context.Context, conversationID string) (Signal, bool, error)
}

// ProfileResolver fills in a display name when a signal payload lacks one.
type ProfileResolver interface {
	DisplayNameOf(ctx context.Context, userID string) string
}

// HistoryRecord is persisted once per call attempt at teardown.
type HistoryRecord struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	CallerID        string    `json:"caller_id"`
	CallType        Kind      `json:"call_type"`
	Status          string    `json:"status"` // completed | missed | rejected | no_answer
	DurationSeconds int       `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// HistoryWriter persists call history records.
type HistoryWriter interface {
	RecordCall(ctx context.Context, rec HistoryRecord) error
}

// Sentinel errors surfaced to the UI.
var (
	ErrBusy              = errors.New("a call is already in progress")
	ErrNotRinging        = errors.New("no incoming call to act on")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrNoPendingOffer    = errors.New("no pending offer for this call")
)

// State is the snapshot handed to the UI. Media does not ride on it; the
// viewer pulls frames through the session's WebM fan-out instead.
type State struct {
	Phase          Phase     `json:"phase"`
	Direction      Direction `json:"direction,omitempty"`
	Kind           Kind      `json:"kind,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RemoteUserID   string    `json:"remote_user_id,omitempty"`
	RemoteName     string    `json:"remote_name,omitempty"`
	IsGroup        bool      `json:"is_group,omitempty"`
	Participants   []string  `json:"participants,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	Muted          bool      `json:"muted,omitempty"`
	VideoOff       bool      `json:"video_off,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

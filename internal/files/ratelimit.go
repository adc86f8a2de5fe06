package files

import (
	"fmt"
	"sync"
	"time"
)

// Rate-limited actions.
const (
	ActionMessage       = "message"
	ActionVoiceNote     = "voice_note"
	ActionFriendRequest = "friend_request"
)

type limitConfig struct {
	maxAttempts int
	window      time.Duration
}

// Unlisted actions (file uploads, conversation creation) are unlimited.
var limitConfigs = map[string]limitConfig{
	ActionMessage:       {maxAttempts: 30, window: time.Minute},
	ActionVoiceNote:     {maxAttempts: 5, window: time.Minute},
	ActionFriendRequest: {maxAttempts: 20, window: 5 * time.Minute},
}

type limitWindow struct {
	attempts  int
	resetTime time.Time
}

// Limiter applies fixed-window rate limits per action. Client-side only:
// it protects the backend from a runaway local UI, not from abuse.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*limitWindow
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*limitWindow),
		now:     time.Now,
	}
}

// Check records an attempt. retryAfter is non-zero only when denied.
func (l *Limiter) Check(action string) (allowed bool, retryAfter time.Duration) {
	cfg, ok := limitConfigs[action]
	if !ok {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[action]
	if w == nil || now.After(w.resetTime) {
		l.windows[action] = &limitWindow{attempts: 1, resetTime: now.Add(cfg.window)}
		return true, 0
	}
	if w.attempts >= cfg.maxAttempts {
		return false, w.resetTime.Sub(now)
	}
	w.attempts++
	return true, 0
}

// Err turns a denial into the user-facing error message.
func (l *Limiter) Err(action string, retryAfter time.Duration) error {
	names := map[string]string{
		ActionMessage:       "sending messages",
		ActionVoiceNote:     "sending voice notes",
		ActionFriendRequest: "sending friend requests",
	}
	name, ok := names[action]
	if !ok {
		name = "requests"
	}
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Errorf("too many %s, please wait %d seconds", name, secs)
}

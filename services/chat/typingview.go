package chat

import (
	"sort"
	"sync"
	"time"

	"lumora-core/pkg/pubsub"
)

// TypingView is the client-side view of who is composing a message. It
// ignores the local user's own signals and expires each entry after the TTL
// carried in the event, so a participant who stops typing disappears without
// any follow-up signal.
type TypingView struct {
	selfID string

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewTypingView(selfID string) *TypingView {
	return &TypingView{
		selfID:  selfID,
		expires: map[string]time.Time{},
	}
}

// Observe feeds one bus event through the view. Non-typing events and the
// local user's own signals are no-ops.
func (v *TypingView) Observe(ev pubsub.Event) {
	if ev.Type != EventTyping {
		return
	}

	var signal TypingEvent
	if err := ev.Decode(&signal); err != nil {
		return
	}
	if signal.UserID == v.selfID {
		return
	}

	v.mu.Lock()
	v.expires[signal.UserID] = time.Now().Add(time.Duration(signal.ExpiresInMs) * time.Millisecond)
	v.mu.Unlock()
}

// Typing returns the users currently composing, expired entries cleared.
func (v *TypingView) Typing() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	var out []string
	for userID, exp := range v.expires {
		if now.After(exp) {
			delete(v.expires, userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// IsTyping reports whether one user is currently composing.
func (v *TypingView) IsTyping(userID string) bool {
	for _, u := range v.Typing() {
		if u == userID {
			return true
		}
	}
	return false
}

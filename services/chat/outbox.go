package chat

import (
	"sync"

	"lumora-core/pkg/pubsub"
)

// Outbox entry states. An entry is born local, then either confirmed by the
// server echo or failed by an error/moderation verdict.
const (
	OutboxLocal     = "local"
	OutboxConfirmed = "confirmed"
	OutboxFailed    = "failed"
)

// OutboxEntry is one optimistic send awaiting its fate, keyed by the
// client-chosen correlation id.
type OutboxEntry struct {
	CorrelationID string
	Content       string
	State         string
	MessageID     string
	FailReason    string
}

// Outbox reconciles optimistic local sends against the event stream. It is a
// client-side helper: the UI renders local entries immediately and swaps them
// for the stored message when the echo arrives. Duplicate echoes for an id
// already seen are dropped, so a resent message appears exactly once.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
	seenIDs map[string]bool
}

func NewOutbox() *Outbox {
	return &Outbox{
		entries: map[string]*OutboxEntry{},
		seenIDs: map[string]bool{},
	}
}

// Track records an optimistic send in the local state.
func (o *Outbox) Track(correlationID, content string) *OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := &OutboxEntry{
		CorrelationID: correlationID,
		Content:       content,
		State:         OutboxLocal,
	}
	o.entries[correlationID] = entry
	return entry
}

// Confirm resolves the entry to its stored message id.
func (o *Outbox) Confirm(correlationID, messageID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entry, ok := o.entries[correlationID]; ok {
		entry.State = OutboxConfirmed
		entry.MessageID = messageID
	}
	o.seenIDs[messageID] = true
}

// Fail marks the entry undeliverable with the given reason.
func (o *Outbox) Fail(correlationID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entry, ok := o.entries[correlationID]; ok {
		entry.State = OutboxFailed
		entry.FailReason = reason
	}
}

// Observe feeds one bus event through the reconciler. It reports whether the
// event is new to this client; duplicates return false and should not be
// rendered.
func (o *Outbox) Observe(ev pubsub.Event) bool {
	if ev.Type != EventMessageNew {
		return true
	}

	var msg Message
	if err := ev.Decode(&msg); err != nil {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.seenIDs[msg.ID] {
		return false
	}
	o.seenIDs[msg.ID] = true

	if msg.CorrelationID != nil {
		if entry, ok := o.entries[*msg.CorrelationID]; ok {
			entry.State = OutboxConfirmed
			entry.MessageID = msg.ID
		}
	}
	return true
}

// Pending returns the entries still waiting for a server echo.
func (o *Outbox) Pending() []*OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*OutboxEntry
	for _, entry := range o.entries {
		if entry.State == OutboxLocal {
			out = append(out, entry)
		}
	}
	return out
}

// Entry returns the tracked entry for a correlation id, or nil.
func (o *Outbox) Entry(correlationID string) *OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.entries[correlationID]
}

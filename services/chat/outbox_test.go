package chat

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lumora-core/pkg/pubsub"
)

func messageEvent(t *testing.T, msg Message) pubsub.Event {
	t.Helper()
	ev, err := pubsub.NewEvent(EventMessageNew, msg)
	require.NoError(t, err)
	return ev
}

func TestOutboxConfirmByEcho(t *testing.T) {
	box := NewOutbox()
	cid := uuid.NewString()

	entry := box.Track(cid, "hello")
	require.Equal(t, OutboxLocal, entry.State)
	require.Len(t, box.Pending(), 1)

	render := box.Observe(messageEvent(t, Message{ID: "m-1", CorrelationID: &cid}))
	require.True(t, render)

	entry = box.Entry(cid)
	require.Equal(t, OutboxConfirmed, entry.State)
	require.Equal(t, "m-1", entry.MessageID)
	require.Empty(t, box.Pending())
}

func TestOutboxDropsDuplicateEcho(t *testing.T) {
	box := NewOutbox()
	cid := uuid.NewString()
	box.Track(cid, "hello")

	ev := messageEvent(t, Message{ID: "m-1", CorrelationID: &cid})
	require.True(t, box.Observe(ev))
	require.False(t, box.Observe(ev))
}

func TestOutboxFail(t *testing.T) {
	box := NewOutbox()
	cid := uuid.NewString()
	box.Track(cid, "call me at 992937001122")

	box.Fail(cid, "Sharing phone numbers is not allowed.")

	entry := box.Entry(cid)
	require.Equal(t, OutboxFailed, entry.State)
	require.NotEmpty(t, entry.FailReason)
	require.Empty(t, box.Pending())
}

func TestOutboxIgnoresForeignEchoes(t *testing.T) {
	box := NewOutbox()
	box.Track(uuid.NewString(), "mine")

	// counterpart messages carry no tracked correlation id but still render
	render := box.Observe(messageEvent(t, Message{ID: "m-9"}))
	require.True(t, render)
	require.Len(t, box.Pending(), 1)
}

func TestOutboxPassesThroughSignals(t *testing.T) {
	box := NewOutbox()

	ev, err := pubsub.NewEvent(EventTyping, TypingEvent{OrderID: "order-1", UserID: "client-1"})
	require.NoError(t, err)
	require.True(t, box.Observe(ev))
}

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lumora-core/pkg/config"
	"lumora-core/pkg/errutil"
	"lumora-core/pkg/pubsub"
	"lumora-core/pkg/rediskey"
	"lumora-core/services/collab/fake"
	"lumora-core/services/moderation"
	"lumora-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type gateStub struct {
	info ChannelInfo
	err  error
}

func (g *gateStub) Channel(context.Context, string) (ChannelInfo, error) {
	return g.info, g.err
}

type chatEnv struct {
	svc      *Service
	gate     *gateStub
	bus      *pubsub.MemoryBus
	store    *MemoryStore
	notifier *fake.Notifier
	cfg      *config.Config
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()

	db := testutil.NewTestDB(t, &Message{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Chat.TypingThrottle = 2 * time.Second
	cfg.Chat.TypingTTL = 3 * time.Second
	cfg.Chat.PresenceTTL = 30 * time.Second

	env := &chatEnv{
		gate:     &gateStub{info: ChannelInfo{AuthorID: "author-1", ClientID: "client-1", Open: true}},
		bus:      pubsub.NewMemoryBus(),
		store:    NewMemoryStore(),
		notifier: &fake.Notifier{},
		cfg:      cfg,
	}
	env.svc = NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Gate:     env.gate,
		Filter:   moderation.NewFilter(),
		Bus:      env.bus,
		Store:    env.store,
		Notifier: env.notifier,
		Config:   cfg,
	})
	return env
}

func TestSendAndHistory(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	res, err := env.svc.Send(ctx, SendInput{
		OrderID:       "order-1",
		SenderID:      "client-1",
		Content:       "love this, thanks!",
		CorrelationID: uuid.NewString(),
	})
	require.NoError(t, err)
	require.False(t, res.Blocked)
	require.NotNil(t, res.Message)

	history, err := env.svc.History(ctx, "order-1", "author-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "love this, thanks!", history[0].Content)
}

func TestSendBlockedNotPersisted(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	events, cancel, err := env.bus.Subscribe(ctx, rediskey.BuildOrderTopic("order-1"))
	require.NoError(t, err)
	defer cancel()

	for _, content := range []string{
		"call me at 992937001122",
		"mail me at x@y.com",
	} {
		res, err := env.svc.Send(ctx, SendInput{
			OrderID:  "order-1",
			SenderID: "client-1",
			Content:  content,
		})
		require.NoError(t, err)
		require.True(t, res.Blocked, "content %q", content)
		require.NotEmpty(t, res.Reason)
		require.Nil(t, res.Message)
	}

	history, err := env.svc.History(ctx, "order-1", "client-1", time.Time{})
	require.NoError(t, err)
	require.Empty(t, history)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event published: %s", ev.Type)
	default:
	}
}

func TestSendGateClosed(t *testing.T) {
	env := newChatEnv(t)
	env.gate.info.Open = false

	_, err := env.svc.Send(context.Background(), SendInput{
		OrderID:  "order-1",
		SenderID: "client-1",
		Content:  "hello",
	})
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidState), "got %v", err)
}

func TestSendNonParticipant(t *testing.T) {
	env := newChatEnv(t)

	_, err := env.svc.Send(context.Background(), SendInput{
		OrderID:  "order-1",
		SenderID: "stranger",
		Content:  "hello",
	})
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)
}

func TestSendCorrelationDedupe(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	cid := uuid.NewString()

	first, err := env.svc.Send(ctx, SendInput{
		OrderID:       "order-1",
		SenderID:      "client-1",
		Content:       "is this thing on?",
		CorrelationID: cid,
	})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := env.svc.Send(ctx, SendInput{
		OrderID:       "order-1",
		SenderID:      "client-1",
		Content:       "is this thing on?",
		CorrelationID: cid,
	})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Message.ID, second.Message.ID)

	history, err := env.svc.History(ctx, "order-1", "client-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSystemMessageBypassesGateAndModeration(t *testing.T) {
	env := newChatEnv(t)
	env.gate.info.Open = false
	ctx := context.Background()

	err := env.svc.SendSystem(ctx, "order-1", "The order has been refunded. Contact support@platform.example for details.")
	require.NoError(t, err)

	history, err := env.svc.History(ctx, "order-1", "client-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].IsSystem)
	require.Empty(t, history[0].SenderID)
}

func TestReadTracking(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		_, err := env.svc.Send(ctx, SendInput{OrderID: "order-1", SenderID: "author-1", Content: content})
		require.NoError(t, err)
	}
	_, err := env.svc.Send(ctx, SendInput{OrderID: "order-1", SenderID: "client-1", Content: "own message"})
	require.NoError(t, err)

	unread, err := env.svc.UnreadCount(ctx, "order-1", "client-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, unread)

	require.NoError(t, env.svc.MarkRead(ctx, "order-1", "client-1"))

	unread, err = env.svc.UnreadCount(ctx, "order-1", "client-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, unread)

	// the author's own unread view is unaffected by the client reading
	unread, err = env.svc.UnreadCount(ctx, "order-1", "author-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, unread)
}

func TestReactToggle(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	res, err := env.svc.Send(ctx, SendInput{OrderID: "order-1", SenderID: "author-1", Content: "done!"})
	require.NoError(t, err)

	msg, err := env.svc.React(ctx, "order-1", res.Message.ID, "client-1", "🔥")
	require.NoError(t, err)
	reactions, err := msg.ReactionSet()
	require.NoError(t, err)
	require.Equal(t, []string{"client-1"}, reactions["🔥"])

	msg, err = env.svc.React(ctx, "order-1", res.Message.ID, "client-1", "🔥")
	require.NoError(t, err)
	reactions, err = msg.ReactionSet()
	require.NoError(t, err)
	require.Empty(t, reactions["🔥"])
}

func TestTypingThrottle(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	events, cancel, err := env.bus.Subscribe(ctx, rediskey.BuildOrderTopic("order-1"))
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, env.svc.Typing(ctx, "order-1", "client-1"))
	}

	var typingEvents int
	for {
		select {
		case ev := <-events:
			if ev.Type == EventTyping {
				typingEvents++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, typingEvents)
}

func TestPresenceLifecycle(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Join(ctx, "order-1", "client-1"))
	require.NoError(t, env.svc.Join(ctx, "order-1", "author-1"))

	online, err := env.svc.Online(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, []string{"author-1", "client-1"}, online)

	require.NoError(t, env.svc.Leave(ctx, "order-1", "author-1"))

	online, err = env.svc.Online(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, []string{"client-1"}, online)
}

func TestNotifyOnlyWhenAway(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendInput{OrderID: "order-1", SenderID: "client-1", Content: "are you there?"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(env.notifier.SentTo("author-1")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, env.svc.Join(ctx, "order-1", "author-1"))

	_, err = env.svc.Send(ctx, SendInput{OrderID: "order-1", SenderID: "client-1", Content: "hello again"})
	require.NoError(t, err)
	require.Never(t, func() bool {
		return len(env.notifier.SentTo("author-1")) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUnreadCountParticipantOnly(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendInput{OrderID: "order-1", SenderID: "author-1", Content: "draft ready"})
	require.NoError(t, err)

	_, err = env.svc.UnreadCount(ctx, "order-1", "stranger")
	require.True(t, errutil.IsStatus(err, errutil.StatusForbidden), "got %v", err)
}

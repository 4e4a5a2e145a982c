package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"lumora-core/pkg/config"
	"lumora-core/pkg/errutil"
	"lumora-core/pkg/pubsub"
	"lumora-core/pkg/rediskey"
	"lumora-core/services/collab"
	"lumora-core/services/moderation"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChannelInfo is the order-side view the channel needs: who may speak and
// whether the order is in a speaking state.
type ChannelInfo struct {
	AuthorID string
	ClientID string
	// Open means participant messages are accepted (escrow is active).
	// System messages and history ignore it.
	Open bool
}

func (c ChannelInfo) isParticipant(userID string) bool {
	return userID == c.AuthorID || userID == c.ClientID
}

func (c ChannelInfo) otherParticipant(userID string) string {
	if userID == c.ClientID {
		return c.AuthorID
	}
	return c.ClientID
}

// OrderGate resolves an order into its channel view. The order service
// implements it; the contract lives here to keep the packages decoupled.
type OrderGate interface {
	Channel(ctx context.Context, orderID string) (ChannelInfo, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	gate     OrderGate
	filter   *moderation.Filter
	bus      pubsub.Bus
	store    EphemeralStore
	notifier collab.Notifier
	cfg      *config.Config
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Gate     OrderGate
	Filter   *moderation.Filter
	Bus      pubsub.Bus
	Store    EphemeralStore
	Notifier collab.Notifier
	Config   *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		gate:     p.Gate,
		filter:   p.Filter,
		bus:      p.Bus,
		store:    p.Store,
		notifier: p.Notifier,
		cfg:      p.Config,
	}
}

type SendInput struct {
	OrderID       string
	SenderID      string
	Content       string
	Attachments   []Attachment
	ReplyTo       string
	CorrelationID string
}

// SendResult reports what happened to one send attempt. Blocked sends carry
// the moderation reason and no message; duplicate sends carry the message
// stored by the first attempt.
type SendResult struct {
	Message   *Message
	Blocked   bool
	Reason    string
	Rule      string
	Duplicate bool
}

// Send runs the full pipeline: state gate, participant check, moderation,
// resend dedupe, persist, publish, notify. Moderation runs before any write
// so blocked content never becomes durable.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, errutil.ValidationFailed("message must have content or attachments")
	}

	ch, err := s.gate.Channel(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if !ch.isParticipant(in.SenderID) {
		return nil, errutil.Forbidden("not a participant of this order")
	}
	if !ch.Open {
		return nil, errutil.InvalidState("the order is not accepting messages")
	}

	if verdict := s.filter.Moderate(in.Content); !verdict.Allowed {
		zap.L().Info("message blocked",
			zap.String("order_id", in.OrderID),
			zap.String("sender_id", in.SenderID),
			zap.String("rule", verdict.Rule),
		)
		return &SendResult{Blocked: true, Reason: verdict.Reason, Rule: verdict.Rule}, nil
	}

	if in.CorrelationID != "" {
		if existing, err := s.findByCorrelation(ctx, in.OrderID, in.CorrelationID); err != nil {
			return nil, err
		} else if existing != nil {
			return &SendResult{Message: existing, Duplicate: true}, nil
		}
	}

	msg := &Message{
		ID:               s.node.Generate().String(),
		OrderID:          in.OrderID,
		SenderID:         in.SenderID,
		Content:          in.Content,
		ReplyToMessageID: in.ReplyTo,
		CreatedAt:        time.Now().UTC(),
	}
	if in.CorrelationID != "" {
		cid := in.CorrelationID
		msg.CorrelationID = &cid
	}
	if len(in.Attachments) > 0 {
		raw, err := json.Marshal(in.Attachments)
		if err != nil {
			return nil, errutil.ValidationFailed("invalid attachments", errutil.WithErr(err))
		}
		msg.Attachments = raw
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		if isUniqueViolation(err) {
			// the retry raced us; the first insert wins
			existing, ferr := s.findByCorrelation(ctx, in.OrderID, in.CorrelationID)
			if ferr != nil || existing == nil {
				return nil, errutil.Internal("message stored concurrently but not found", errutil.WithErr(ferr))
			}
			return &SendResult{Message: existing, Duplicate: true}, nil
		}
		return nil, errutil.Transient("failed to store message", errutil.WithErr(err))
	}

	s.publish(ctx, in.OrderID, EventMessageNew, msg)

	// the message is durable; the push must not hold the send path hostage
	go func(orderID, recipient, content string) {
		nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.notifyIfAway(nctx, orderID, recipient, content)
	}(in.OrderID, ch.otherParticipant(in.SenderID), in.Content)

	return &SendResult{Message: msg}, nil
}

// SendSystem posts a platform notice into the channel. It skips moderation
// and the state gate so terminal transitions can still be narrated.
func (s *Service) SendSystem(ctx context.Context, orderID, content string) error {
	msg := &Message{
		ID:        s.node.Generate().String(),
		OrderID:   orderID,
		Content:   content,
		IsSystem:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return errutil.Transient("failed to store system message", errutil.WithErr(err))
	}

	s.publish(ctx, orderID, EventMessageNew, msg)
	return nil
}

// History returns the channel messages after since, oldest first.
func (s *Service) History(ctx context.Context, orderID, userID string, since time.Time) ([]Message, error) {
	ch, err := s.gate.Channel(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ch.isParticipant(userID) {
		return nil, errutil.Forbidden("not a participant of this order")
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("order_id = ? AND created_at > ?", orderID, since).
		Order("created_at ASC").
		Find(&messages).Error; err != nil {
		return nil, errutil.Transient("failed to load history", errutil.WithErr(err))
	}
	return messages, nil
}

// MarkRead marks every message not sent by userID as read and tells the
// counterpart about it.
func (s *Service) MarkRead(ctx context.Context, orderID, userID string) error {
	ch, err := s.gate.Channel(ctx, orderID)
	if err != nil {
		return err
	}
	if !ch.isParticipant(userID) {
		return errutil.Forbidden("not a participant of this order")
	}

	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("order_id = ? AND sender_id <> ? AND read_at IS NULL", orderID, userID).
		Update("read_at", time.Now().UTC()).Error; err != nil {
		return errutil.Transient("failed to mark messages read", errutil.WithErr(err))
	}

	s.publish(ctx, orderID, EventMessageRead, ReadEvent{OrderID: orderID, ReaderID: userID})
	return nil
}

func (s *Service) UnreadCount(ctx context.Context, orderID, userID string) (int64, error) {
	ch, err := s.gate.Channel(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if !ch.isParticipant(userID) {
		return 0, errutil.Forbidden("not a participant of this order")
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("order_id = ? AND sender_id <> ? AND read_at IS NULL", orderID, userID).
		Count(&count).Error; err != nil {
		return 0, errutil.Transient("failed to count unread messages", errutil.WithErr(err))
	}
	return count, nil
}

// React toggles userID's reaction on a message.
func (s *Service) React(ctx context.Context, orderID, messageID, userID, emoji string) (*Message, error) {
	if emoji == "" {
		return nil, errutil.ValidationFailed("emoji is required")
	}

	ch, err := s.gate.Channel(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ch.isParticipant(userID) {
		return nil, errutil.Forbidden("not a participant of this order")
	}

	var msg Message
	err = s.db.WithContext(ctx).
		Where("id = ? AND order_id = ?", messageID, orderID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("message not found")
	}
	if err != nil {
		return nil, errutil.Transient("failed to load message", errutil.WithErr(err))
	}

	reactions, err := msg.ReactionSet()
	if err != nil {
		return nil, errutil.Internal("corrupt reactions", errutil.WithErr(err))
	}

	users := reactions[emoji]
	added := true
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			added = false
			break
		}
	}
	if added {
		users = append(users, userID)
	}
	if len(users) == 0 {
		delete(reactions, emoji)
	} else {
		reactions[emoji] = users
	}

	raw, err := json.Marshal(reactions)
	if err != nil {
		return nil, errutil.Internal("failed to encode reactions", errutil.WithErr(err))
	}
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", msg.ID).
		Update("reactions", raw).Error; err != nil {
		return nil, errutil.Transient("failed to store reaction", errutil.WithErr(err))
	}
	msg.Reactions = raw

	s.publish(ctx, orderID, EventMessageReaction, ReactionEvent{
		OrderID:   orderID,
		MessageID: msg.ID,
		UserID:    userID,
		Emoji:     emoji,
		Added:     added,
	})
	return &msg, nil
}

// Typing publishes a typing signal, throttled server-side so a key per
// keystroke cannot flood the topic. Receivers clear the indicator after the
// carried TTL.
func (s *Service) Typing(ctx context.Context, orderID, userID string) error {
	ok, err := s.store.SetNX(ctx, rediskey.BuildTypingThrottleKey(orderID, userID), s.cfg.Chat.TypingThrottle)
	if err != nil {
		return errutil.Transient("failed to throttle typing", errutil.WithErr(err))
	}
	if !ok {
		return nil
	}

	s.publish(ctx, orderID, EventTyping, TypingEvent{
		OrderID:     orderID,
		UserID:      userID,
		ExpiresInMs: s.cfg.Chat.TypingTTL.Milliseconds(),
	})
	return nil
}

// Join registers userID as present on the order and broadcasts the new
// online set.
func (s *Service) Join(ctx context.Context, orderID, userID string) error {
	if err := s.store.Set(ctx, rediskey.BuildPresenceKey(orderID, userID), s.cfg.Chat.PresenceTTL); err != nil {
		return errutil.Transient("failed to register presence", errutil.WithErr(err))
	}
	return s.publishPresence(ctx, orderID)
}

// Heartbeat refreshes the presence TTL without broadcasting.
func (s *Service) Heartbeat(ctx context.Context, orderID, userID string) error {
	if err := s.store.Set(ctx, rediskey.BuildPresenceKey(orderID, userID), s.cfg.Chat.PresenceTTL); err != nil {
		return errutil.Transient("failed to refresh presence", errutil.WithErr(err))
	}
	return nil
}

// Leave drops userID's presence and broadcasts the new online set.
func (s *Service) Leave(ctx context.Context, orderID, userID string) error {
	if err := s.store.Delete(ctx, rediskey.BuildPresenceKey(orderID, userID)); err != nil {
		return errutil.Transient("failed to drop presence", errutil.WithErr(err))
	}
	return s.publishPresence(ctx, orderID)
}

// Online recomputes the set of present users from the live keys.
func (s *Service) Online(ctx context.Context, orderID string) ([]string, error) {
	keys, err := s.store.Keys(ctx, rediskey.BuildPresencePattern(orderID))
	if err != nil {
		return nil, errutil.Transient("failed to list presence", errutil.WithErr(err))
	}

	prefix := strings.TrimSuffix(rediskey.BuildPresencePattern(orderID), "*")
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(users)
	return users, nil
}

func (s *Service) publishPresence(ctx context.Context, orderID string) error {
	online, err := s.Online(ctx, orderID)
	if err != nil {
		return err
	}
	s.publish(ctx, orderID, EventPresenceSync, PresenceEvent{OrderID: orderID, Online: online})
	return nil
}

func (s *Service) notifyIfAway(ctx context.Context, orderID, userID, content string) {
	keys, err := s.store.Keys(ctx, rediskey.BuildPresenceKey(orderID, userID))
	if err == nil && len(keys) > 0 {
		return
	}

	preview := content
	if len(preview) > 80 {
		preview = preview[:80]
	}
	if err := s.notifier.Notify(ctx, userID, "New message", preview, "order:"+orderID); err != nil {
		zap.L().Warn("failed to notify recipient",
			zap.String("order_id", orderID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, orderID, eventType string, payload any) {
	ev, err := pubsub.NewEvent(eventType, payload)
	if err != nil {
		zap.L().Error("failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, rediskey.BuildOrderTopic(orderID), ev); err != nil {
		// the message is already durable; the socket will catch up on reload
		zap.L().Warn("failed to publish event",
			zap.String("order_id", orderID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

func (s *Service) findByCorrelation(ctx context.Context, orderID, correlationID string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND correlation_id = ?", orderID, correlationID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errutil.Transient("failed to look up message", errutil.WithErr(err))
	}
	return &msg, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/realtime"
	"github.com/lalith-99/afterhours/internal/session"
)

func isAuthError(err error) bool {
	return errors.Is(err, session.ErrNotAuthenticated)
}

// SubscribeToConversation opens the conversation's channel. Subscribing to
// an already open channel is a no-op.
func (c *Core) SubscribeToConversation(ctx context.Context, id uuid.UUID) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.subscribeLocked(ctx, id)
}

// UnsubscribeFromConversation closes the conversation's channel, if open.
func (c *Core) UnsubscribeFromConversation(ctx context.Context, id uuid.UUID) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.unsubscribeLocked(ctx, id)
}

func (c *Core) subscribeLocked(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	_, open := c.channels[id]
	active := c.active
	c.mu.Unlock()
	if open {
		return nil
	}
	if !active {
		return ErrNotStarted
	}

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	sub, err := c.transport.Join(joinCtx, realtime.Topic(id), c.handlerFor(id))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}

	c.mu.Lock()
	c.channels[id] = sub
	c.mu.Unlock()

	c.logger.Debug("subscribed", zap.String("conversation_id", id.String()))
	return nil
}

func (c *Core) unsubscribeLocked(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	sub, open := c.channels[id]
	delete(c.channels, id)
	c.mu.Unlock()
	if !open {
		return nil
	}

	if err := sub.Leave(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	c.logger.Debug("unsubscribed", zap.String("conversation_id", id.String()))
	return nil
}

// reconcileSubscriptions leaves every channel not in ids and joins every
// conversation in ids.
func (c *Core) reconcileSubscriptions(ctx context.Context, ids []uuid.UUID) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	active := c.active
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var stale []uuid.UUID
	for id := range c.channels {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()
	if !active {
		return
	}

	for _, id := range stale {
		if err := c.unsubscribeLocked(ctx, id); err != nil {
			c.logger.Warn("leave stale channel failed", zap.String("conversation_id", id.String()), zap.Error(err))
		}
	}
	for _, id := range ids {
		if err := c.subscribeLocked(ctx, id); err != nil {
			c.logger.Warn("subscribe failed", zap.String("conversation_id", id.String()), zap.Error(err))
		}
	}
}

// handlerFor returns the frame handler of one channel. Only the
// conversation id is bound here; everything else is read at delivery.
func (c *Core) handlerFor(conversationID uuid.UUID) realtime.FrameHandler {
	return func(f realtime.Frame) {
		c.handleFrame(conversationID, f)
	}
}

func (c *Core) handleFrame(conversationID uuid.UUID, f realtime.Frame) {
	switch f.Type {
	case realtime.TypeBroadcast:
		var msg models.Message
		if err := f.Decode(&msg); err != nil {
			c.logger.Warn("discarding broadcast", zap.String("topic", f.Topic), zap.Error(err))
			return
		}
		switch f.Event {
		case realtime.EventNewMessage:
			c.receive(conversationID, msg)
		case realtime.EventMessageUpdated:
			c.mergeUpdate(conversationID, msg, true)
		}

	case realtime.TypeChanges:
		var change realtime.ChangePayload
		if err := f.Decode(&change); err != nil {
			c.logger.Warn("discarding change", zap.String("topic", f.Topic), zap.Error(err))
			return
		}
		switch change.Type {
		case realtime.EventInsert:
			c.receiveChange(conversationID, change.Record)
		case realtime.EventUpdate:
			c.mergeUpdate(conversationID, change.Record, true)
		}
	}
}

// accepts reports whether an inserted message is new to this session and
// not the user's own.
func (c *Core) accepts(conversationID uuid.UUID, msg models.Message) bool {
	if msg.ConversationID != conversationID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || msg.SentBy(c.userID) {
		return false
	}
	_, seen := c.seen[msg.ID]
	return !seen
}

// receiveChange resolves the sender profile of a raw change-feed row before
// handing it to receive. The lookup runs without holding the state lock.
func (c *Core) receiveChange(conversationID uuid.UUID, msg models.Message) {
	if !c.accepts(conversationID, msg) {
		return
	}
	if msg.Sender == nil && msg.SenderID != nil {
		msg.Sender = c.profile(*msg.SenderID)
	}
	c.receive(conversationID, msg)
}

// receive applies an inserted message from either realtime path.
func (c *Core) receive(conversationID uuid.UUID, msg models.Message) {
	if msg.ConversationID != conversationID {
		return
	}

	c.mu.Lock()
	if !c.active || msg.SentBy(c.userID) {
		c.mu.Unlock()
		return
	}
	if _, seen := c.seen[msg.ID]; seen {
		c.mu.Unlock()
		return
	}
	i := c.conversationIndexLocked(conversationID)
	if i < 0 {
		c.mu.Unlock()
		c.logger.Debug("message for unlisted conversation", zap.String("conversation_id", conversationID.String()))
		return
	}

	c.seen[msg.ID] = struct{}{}
	c.rememberSenderLocked(msg)

	unread := c.selected != conversationID
	if unread {
		c.conversations[i].UnreadCount++
		c.totalUnread++
	} else {
		c.messages = append(c.messages, msg)
	}
	c.touchConversationLocked(msg)
	c.mu.Unlock()

	c.signal()
	if unread {
		c.notifier.Notify(msg)
	}
}

// mergeUpdate folds an edited or deleted message into the visible list and
// the conversation's last message, keeping whichever copy is newer.
func (c *Core) mergeUpdate(conversationID uuid.UUID, msg models.Message, remote bool) {
	if msg.ConversationID != conversationID {
		return
	}

	c.mu.Lock()
	if !c.active || (remote && msg.SentBy(c.userID)) {
		c.mu.Unlock()
		return
	}

	changed := false
	if c.selected == conversationID {
		if i := c.messageIndexLocked(msg.ID); i >= 0 && msg.UpdatedAt.After(c.messages[i].UpdatedAt) {
			c.messages[i] = newer(c.messages[i], msg)
			changed = true
		}
	}
	if i := c.conversationIndexLocked(conversationID); i >= 0 {
		last := c.conversations[i].LastMessage
		if last != nil && last.ID == msg.ID && msg.UpdatedAt.After(last.UpdatedAt) {
			merged := newer(*last, msg)
			c.conversations[i].LastMessage = &merged
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.signal()
	}
}

// profile returns the cached profile for userID, loading it on a miss.
// Returns nil when the lookup fails.
func (c *Core) profile(userID uuid.UUID) *models.Profile {
	c.mu.Lock()
	p, ok := c.profiles[userID]
	c.mu.Unlock()
	if ok {
		return p
	}

	ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
	defer cancel()

	p, err := c.api.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Warn("sender profile lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	c.profiles[userID] = p
	c.mu.Unlock()
	return p
}

// broadcast re-sends a confirmed message on its channel so peers see it
// before the change feed catches up. Failures only cost latency.
func (c *Core) broadcast(ctx context.Context, conversationID uuid.UUID, event string, msg *models.Message) {
	c.mu.Lock()
	sub := c.channels[conversationID]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Broadcast(ctx, event, msg); err != nil {
		c.logger.Warn("broadcast failed",
			zap.String("conversation_id", conversationID.String()),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

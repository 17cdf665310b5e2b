package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/realtime"
)

// FetchConversations replaces the conversation list with the server's,
// recomputes the unread total and reconciles subscriptions. Failures land
// in State.Err.
func (c *Core) FetchConversations(ctx context.Context) {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()
	c.signal()

	list, err := c.api.ListConversations(ctx)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.err = fmt.Errorf("fetch conversations: %w", err)
		c.mu.Unlock()
		c.logger.Warn("fetch conversations failed", zap.Error(err))
		c.signal()
		return
	}
	c.err = nil
	c.setConversationsLocked(list)
	ids := make([]uuid.UUID, len(c.conversations))
	for i := range c.conversations {
		ids[i] = c.conversations[i].ID
	}
	c.mu.Unlock()
	c.signal()

	c.reconcileSubscriptions(ctx, ids)
}

func (c *Core) setConversationsLocked(list []models.Conversation) {
	previous := make(map[uuid.UUID][]models.Participant, len(c.conversations))
	for _, conv := range c.conversations {
		if len(conv.Participants) > 0 {
			previous[conv.ID] = conv.Participants
		}
	}

	conversations := append([]models.Conversation(nil), list...)
	total := 0
	for i := range conversations {
		conv := &conversations[i]
		if len(conv.Participants) == 0 {
			conv.Participants = previous[conv.ID]
		}
		total += conv.UnreadCount
		if conv.LastMessage != nil {
			// Already counted by the server's unread_count.
			c.seen[conv.LastMessage.ID] = struct{}{}
			c.rememberSenderLocked(*conv.LastMessage)
		}
	}
	sortByRecency(conversations)

	c.conversations = conversations
	c.totalUnread = total

	if c.selected != uuid.Nil && c.conversationIndexLocked(c.selected) < 0 {
		c.selected = uuid.Nil
		c.messages = nil
	}
}

// SelectConversation makes id the active conversation and loads its
// messages. uuid.Nil clears the selection and the message list.
func (c *Core) SelectConversation(ctx context.Context, id uuid.UUID) {
	c.mu.Lock()
	prime := !c.primed
	c.primed = true
	if c.selected != id {
		c.messages = nil
	}
	c.selected = id
	c.mu.Unlock()

	if prime {
		c.notifier.Prime()
	}
	c.signal()

	if id != uuid.Nil {
		c.FetchMessages(ctx, id)
	}
}

// FetchMessages loads the history of id and merges it into the visible
// list. The result, or the error, is dropped if id is no longer selected
// when it arrives.
func (c *Core) FetchMessages(ctx context.Context, id uuid.UUID) {
	list, err := c.api.ListMessages(ctx, id)

	c.mu.Lock()
	if c.selected != id {
		c.mu.Unlock()
		c.logger.Debug("discarding fetch for deselected conversation",
			zap.String("conversation_id", id.String()),
			zap.Error(err),
		)
		return
	}
	if err != nil {
		c.err = fmt.Errorf("fetch messages: %w", err)
		c.mu.Unlock()
		c.logger.Warn("fetch messages failed", zap.String("conversation_id", id.String()), zap.Error(err))
		c.signal()
		return
	}

	c.err = nil
	c.messages = mergeMessages(list, c.messages)
	for _, msg := range c.messages {
		c.seen[msg.ID] = struct{}{}
		c.rememberSenderLocked(msg)
	}
	c.mu.Unlock()
	c.signal()
}

// mergeMessages takes snapshot as the base. For ids on both sides the later
// updated_at wins; local-only messages survive only when newer than
// everything in the snapshot.
func mergeMessages(snapshot, local []models.Message) []models.Message {
	merged := append(make([]models.Message, 0, len(snapshot)+len(local)), snapshot...)
	index := make(map[uuid.UUID]int, len(merged))
	var newest time.Time
	for i, msg := range merged {
		index[msg.ID] = i
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
	}

	for _, msg := range local {
		if i, ok := index[msg.ID]; ok {
			merged[i] = newer(merged[i], msg)
			continue
		}
		if msg.CreatedAt.After(newest) {
			index[msg.ID] = len(merged)
			merged = append(merged, msg)
		}
	}
	return merged
}

// newer returns whichever copy has the later updated_at, keeping a known
// sender profile when the winner lacks one.
func newer(current, candidate models.Message) models.Message {
	winner, other := current, candidate
	if candidate.UpdatedAt.After(current.UpdatedAt) {
		winner, other = candidate, current
	}
	if winner.Sender == nil {
		winner.Sender = other.Sender
	}
	return winner
}

// SendMessage posts content to the selected conversation. The message joins
// local state only once the server returns it, and is then broadcast to the
// other participants. Returns ErrSendTimeout when the server does not answer
// within the send timeout.
func (c *Core) SendMessage(ctx context.Context, content string) (*models.Message, error) {
	c.mu.Lock()
	conversationID := c.selected
	c.mu.Unlock()
	if conversationID == uuid.Nil {
		return nil, ErrNoConversation
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	msg, err := c.api.SendMessage(sendCtx, conversationID, content)
	if err != nil {
		return nil, c.sendError(ctx, sendCtx, err)
	}

	c.mu.Lock()
	c.seen[msg.ID] = struct{}{}
	c.rememberSenderLocked(*msg)
	if c.selected == conversationID && c.messageIndexLocked(msg.ID) < 0 {
		c.messages = append(c.messages, *msg)
	}
	c.touchConversationLocked(*msg)
	c.mu.Unlock()
	c.signal()

	c.broadcast(ctx, conversationID, realtime.EventNewMessage, msg)
	return msg, nil
}

// sendError classifies a failed mutation. Authentication failures are also
// recorded in State.Err.
func (c *Core) sendError(parent, sendCtx context.Context, err error) error {
	if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		c.logger.Warn("send timed out", zap.Duration("timeout", c.sendTimeout))
		return ErrSendTimeout
	}
	if isAuthError(err) {
		c.setErr(err)
	}
	c.logger.Warn("send failed", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}

// EditMessage changes the content of one of the user's messages in the
// selected conversation.
func (c *Core) EditMessage(ctx context.Context, messageID uuid.UUID, content string) (*models.Message, error) {
	return c.mutate(ctx, func(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
		return c.api.EditMessage(ctx, conversationID, messageID, content)
	})
}

// DeleteMessage soft-deletes one of the user's messages in the selected
// conversation.
func (c *Core) DeleteMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	return c.mutate(ctx, func(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
		return c.api.DeleteMessage(ctx, conversationID, messageID)
	})
}

func (c *Core) mutate(ctx context.Context, call func(context.Context, uuid.UUID) (*models.Message, error)) (*models.Message, error) {
	c.mu.Lock()
	conversationID := c.selected
	c.mu.Unlock()
	if conversationID == uuid.Nil {
		return nil, ErrNoConversation
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	msg, err := call(sendCtx, conversationID)
	if err != nil {
		return nil, c.sendError(ctx, sendCtx, err)
	}

	c.mergeUpdate(conversationID, *msg, false)
	c.broadcast(ctx, conversationID, realtime.EventMessageUpdated, msg)
	return msg, nil
}

// MarkAsRead tells the server the conversation is read, then clears its
// unread count and takes the same amount off the total.
func (c *Core) MarkAsRead(ctx context.Context, id uuid.UUID) {
	if err := c.api.MarkRead(ctx, id); err != nil {
		c.logger.Warn("mark as read failed", zap.String("conversation_id", id.String()), zap.Error(err))
		c.setErr(fmt.Errorf("mark as read: %w", err))
		return
	}

	c.mu.Lock()
	if i := c.conversationIndexLocked(id); i >= 0 {
		cleared := c.conversations[i].UnreadCount
		c.conversations[i].UnreadCount = 0
		c.totalUnread -= cleared
		if c.totalUnread < 0 {
			c.totalUnread = 0
		}
	}
	c.mu.Unlock()
	c.signal()
}

// CreateConversation creates a conversation, reloads the whole list and
// returns what the server created.
func (c *Core) CreateConversation(ctx context.Context, participantIDs []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error) {
	conv, err := c.api.CreateConversation(ctx, participantIDs, name, isGroup)
	if err != nil {
		c.setErr(fmt.Errorf("create conversation: %w", err))
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	c.FetchConversations(ctx)
	return conv, nil
}

// LoadParticipants fills in the participants of one conversation.
func (c *Core) LoadParticipants(ctx context.Context, id uuid.UUID) {
	participants, err := c.api.ListParticipants(ctx, id)
	if err != nil {
		c.logger.Warn("load participants failed", zap.String("conversation_id", id.String()), zap.Error(err))
		c.setErr(fmt.Errorf("load participants: %w", err))
		return
	}

	c.mu.Lock()
	if i := c.conversationIndexLocked(id); i >= 0 {
		c.conversations[i].Participants = participants
	}
	for _, p := range participants {
		if p.Profile != nil {
			c.profiles[p.UserID] = p.Profile
		}
	}
	c.mu.Unlock()
	c.signal()
}

// Resync reloads the conversation list and the selected conversation after
// realtime delivery was interrupted.
func (c *Core) Resync(ctx context.Context) {
	c.logger.Info("resyncing messaging state")
	c.FetchConversations(ctx)

	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()
	if selected != uuid.Nil {
		c.FetchMessages(ctx, selected)
	}
}

package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/realtime"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu             sync.Mutex
	conversations  []models.Conversation
	messages       map[uuid.UUID][]models.Message
	profiles       map[uuid.UUID]*models.Profile
	listErr        error
	messagesErr    map[uuid.UUID]error
	markReadErr    error
	created        *models.Conversation
	send           func(ctx context.Context, conversationID uuid.UUID, content string) (*models.Message, error)
	onListMessages func(conversationID uuid.UUID)
	profileCalls   int
	markReadCalls  int
}

func newFakeAPI(conversations ...models.Conversation) *fakeAPI {
	return &fakeAPI{
		conversations: conversations,
		messages:      make(map[uuid.UUID][]models.Message),
		messagesErr:   make(map[uuid.UUID]error),
		profiles:      make(map[uuid.UUID]*models.Profile),
	}
}

func (a *fakeAPI) ListConversations(context.Context) ([]models.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]models.Conversation(nil), a.conversations...), nil
}

func (a *fakeAPI) CreateConversation(_ context.Context, _ []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv := models.Conversation{ID: uuid.New(), Name: name, IsGroup: isGroup, CreatedAt: base, UpdatedAt: base.Add(time.Hour)}
	a.conversations = append(a.conversations, conv)
	a.created = &conv
	return &conv, nil
}

func (a *fakeAPI) ListParticipants(_ context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	return []models.Participant{{UserID: uuid.New(), ConversationID: conversationID, Role: models.RoleMember}}, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	if a.onListMessages != nil {
		a.onListMessages(conversationID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.messagesErr[conversationID]; err != nil {
		return nil, err
	}
	return append([]models.Message(nil), a.messages[conversationID]...), nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (*models.Message, error) {
	return a.send(ctx, conversationID, content)
}

func (a *fakeAPI) EditMessage(_ context.Context, conversationID, messageID uuid.UUID, content string) (*models.Message, error) {
	return a.change(conversationID, messageID, func(m *models.Message) {
		m.Content = content
		m.IsEdited = true
	})
}

func (a *fakeAPI) DeleteMessage(_ context.Context, conversationID, messageID uuid.UUID) (*models.Message, error) {
	return a.change(conversationID, messageID, func(m *models.Message) {
		m.IsDeleted = true
	})
}

func (a *fakeAPI) change(conversationID, messageID uuid.UUID, apply func(*models.Message)) (*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.messages[conversationID] {
		if a.messages[conversationID][i].ID == messageID {
			msg := a.messages[conversationID][i]
			apply(&msg)
			msg.UpdatedAt = msg.UpdatedAt.Add(time.Hour)
			msg.Sender = nil
			a.messages[conversationID][i] = msg
			return &msg, nil
		}
	}
	return nil, errors.New("message not found")
}

func (a *fakeAPI) MarkRead(context.Context, uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReadCalls++
	return a.markReadErr
}

func (a *fakeAPI) GetProfile(_ context.Context, userID uuid.UUID) (*models.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profileCalls++
	if p, ok := a.profiles[userID]; ok {
		return p, nil
	}
	return &models.Profile{ID: userID}, nil
}

type sentFrame struct {
	topic   string
	event   string
	payload any
}

type fakeTransport struct {
	mu         sync.Mutex
	handlers   map[string]realtime.FrameHandler
	joins      map[string]int
	left       []string
	broadcasts []sentFrame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]realtime.FrameHandler),
		joins:    make(map[string]int),
	}
}

func (t *fakeTransport) Join(_ context.Context, topic string, h realtime.FrameHandler) (realtime.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins[topic]++
	t.handlers[topic] = h
	return &fakeSub{t: t, topic: topic}, nil
}

// deliver hands f to the handler of its topic, if still joined.
func (t *fakeTransport) deliver(f realtime.Frame) {
	t.mu.Lock()
	h := t.handlers[f.Topic]
	t.mu.Unlock()
	if h != nil {
		h(f)
	}
}

func (t *fakeTransport) joinCount(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins[topic]
}

func (t *fakeTransport) leftTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.left...)
}

func (t *fakeTransport) sent() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.broadcasts...)
}

type fakeSub struct {
	t     *fakeTransport
	topic string
}

func (s *fakeSub) Topic() string { return s.topic }

func (s *fakeSub) Broadcast(_ context.Context, event string, payload any) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.broadcasts = append(s.t.broadcasts, sentFrame{topic: s.topic, event: event, payload: payload})
	return nil
}

func (s *fakeSub) Leave(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	delete(s.t.handlers, s.topic)
	s.t.left = append(s.t.left, s.topic)
	return nil
}

type countingNotifier struct {
	mu       sync.Mutex
	primes   int
	notified []models.Message
}

func (n *countingNotifier) Prime() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.primes++
}

func (n *countingNotifier) Notify(msg models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, msg)
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notified)
}

func conversation(updated time.Time, unread int) models.Conversation {
	return models.Conversation{
		ID:          uuid.New(),
		CreatedAt:   base.Add(-24 * time.Hour),
		UpdatedAt:   updated,
		UnreadCount: unread,
	}
}

func message(conversationID, senderID uuid.UUID, content string, at time.Time) models.Message {
	sender := senderID
	return models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       &sender,
		Content:        content,
		CreatedAt:      at,
		UpdatedAt:      at,
		Sender:         &models.Profile{ID: senderID},
	}
}

func broadcastFrame(t *testing.T, event string, msg models.Message) realtime.Frame {
	t.Helper()
	f, err := realtime.NewFrame(realtime.TypeBroadcast, realtime.Topic(msg.ConversationID), event, msg)
	require.NoError(t, err)
	return f
}

// changeFrame builds a change-feed frame; the record carries no sender
// profile, as the server delivers it.
func changeFrame(t *testing.T, op string, msg models.Message) realtime.Frame {
	t.Helper()
	msg.Sender = nil
	f, err := realtime.NewFrame(realtime.TypeChanges, realtime.Topic(msg.ConversationID), op, realtime.ChangePayload{
		Type:   op,
		Table:  realtime.MessagesTable,
		Record: msg,
	})
	require.NoError(t, err)
	return f
}

func conversationByID(t *testing.T, state State, id uuid.UUID) models.Conversation {
	t.Helper()
	for _, conv := range state.Conversations {
		if conv.ID == id {
			return conv
		}
	}
	t.Fatalf("conversation %s not in state", id)
	return models.Conversation{}
}

func countMessage(state State, id uuid.UUID) int {
	n := 0
	for _, msg := range state.Messages {
		if msg.ID == id {
			n++
		}
	}
	return n
}

// Package messaging is the client-side state core for conversations and
// messages. It loads snapshots over REST, keeps one realtime subscription per
// conversation, and folds broadcast and change-feed events into local state.
//
// All state lives on a Core instance. Realtime handlers read the current user
// and selection through the Core's mutex at delivery time, never from values
// captured when the subscription was made.
package messaging

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/realtime"
)

// SendTimeout bounds SendMessage.
const SendTimeout = 15 * time.Second

const (
	joinTimeout    = 10 * time.Second
	profileTimeout = 10 * time.Second
)

var (
	// ErrSendTimeout is returned when the server did not confirm a send in time.
	ErrSendTimeout = errors.New("message send timed out")
	// ErrSendFailed wraps every other send, edit or delete failure.
	ErrSendFailed = errors.New("failed to send message")
	// ErrNoConversation is returned by actions that need a selection.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrNotStarted is returned when subscribing before Start or after Close.
	ErrNotStarted = errors.New("messaging session not started")
)

// API is the REST surface the core consumes; *apiclient.Client implements it.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, participantIDs []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error)
	ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (*models.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID uuid.UUID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID) error
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
}

// Transport joins realtime topics; *realtime.Client implements it.
type Transport interface {
	Join(ctx context.Context, topic string, handler realtime.FrameHandler) (realtime.Subscription, error)
}

// Notifier plays the new-message cue. Prime runs once per session, on the
// first selection, so platforms that gate audio on a user gesture are
// unlocked before the first Notify.
type Notifier interface {
	Prime()
	Notify(msg models.Message)
}

type noopNotifier struct{}

func (noopNotifier) Prime()                {}
func (noopNotifier) Notify(models.Message) {}

// State is a point-in-time copy of the core's view.
type State struct {
	UserID        uuid.UUID
	Conversations []models.Conversation
	SelectedID    uuid.UUID
	Messages      []models.Message
	TotalUnread   int
	Loading       bool
	// Err holds the last fetch, read or authentication failure.
	Err error
}

type Option func(*Core)

func WithNotifier(n Notifier) Option {
	return func(c *Core) { c.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Core) { c.logger = l }
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Core) { c.sendTimeout = d }
}

type Core struct {
	api         API
	transport   Transport
	notifier    Notifier
	logger      *zap.Logger
	sendTimeout time.Duration
	updates     chan struct{}

	mu            sync.Mutex
	active        bool
	userID        uuid.UUID
	conversations []models.Conversation
	selected      uuid.UUID
	messages      []models.Message
	seen          map[uuid.UUID]struct{}
	profiles      map[uuid.UUID]*models.Profile
	totalUnread   int
	loading       bool
	err           error
	primed        bool
	channels      map[uuid.UUID]realtime.Subscription

	// subMu serialises joins and leaves so registration is idempotent.
	subMu sync.Mutex
}

func New(api API, transport Transport, opts ...Option) *Core {
	c := &Core{
		api:         api,
		transport:   transport,
		notifier:    noopNotifier{},
		logger:      zap.NewNop(),
		sendTimeout: SendTimeout,
		updates:     make(chan struct{}, 1),
		seen:        make(map[uuid.UUID]struct{}),
		profiles:    make(map[uuid.UUID]*models.Profile),
		channels:    make(map[uuid.UUID]realtime.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins a session for userID with fresh state, then loads the
// conversation list and subscribes to each conversation.
func (c *Core) Start(ctx context.Context, userID uuid.UUID) {
	c.mu.Lock()
	c.active = true
	c.userID = userID
	c.conversations = nil
	c.selected = uuid.Nil
	c.messages = nil
	c.seen = make(map[uuid.UUID]struct{})
	c.profiles = make(map[uuid.UUID]*models.Profile)
	c.totalUnread = 0
	c.err = nil
	c.primed = false
	c.mu.Unlock()

	c.logger.Info("messaging session started", zap.String("user_id", userID.String()))
	c.FetchConversations(ctx)
}

// Close ends the session and leaves every channel. Safe to call twice.
func (c *Core) Close() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[uuid.UUID]realtime.Subscription)
	c.mu.Unlock()

	for id, sub := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		if err := sub.Leave(ctx); err != nil {
			c.logger.Warn("leave on close failed", zap.String("conversation_id", id.String()), zap.Error(err))
		}
		cancel()
	}
}

// Updates signals after every state change. Signals coalesce: a receiver
// that falls behind sees one pending signal, then reads Snapshot.
func (c *Core) Updates() <-chan struct{} {
	return c.updates
}

func (c *Core) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current state.
func (c *Core) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		UserID:        c.userID,
		Conversations: append([]models.Conversation(nil), c.conversations...),
		SelectedID:    c.selected,
		Messages:      append([]models.Message(nil), c.messages...),
		TotalUnread:   c.totalUnread,
		Loading:       c.loading,
		Err:           c.err,
	}
}

// Subscribed returns the conversations with an open channel.
func (c *Core) Subscribed() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	return ids
}

func (c *Core) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.signal()
}

func (c *Core) conversationIndexLocked(id uuid.UUID) int {
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Core) messageIndexLocked(id uuid.UUID) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// touchConversationLocked records msg as the conversation's latest message,
// unless a newer one is already known, and re-sorts by recency.
func (c *Core) touchConversationLocked(msg models.Message) {
	i := c.conversationIndexLocked(msg.ConversationID)
	if i < 0 {
		return
	}

	conv := c.conversations[i]
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		last := msg
		conv.LastMessage = &last
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}

	copy(c.conversations[1:i+1], c.conversations[:i])
	c.conversations[0] = conv
	sortByRecency(c.conversations)
}

// sortByRecency orders conversations newest updated_at first. The sort is
// stable so a just-touched conversation stays ahead of equal timestamps.
func sortByRecency(conversations []models.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
}

func (c *Core) rememberSenderLocked(msg models.Message) {
	if msg.Sender != nil {
		c.profiles[msg.Sender.ID] = msg.Sender
	}
}

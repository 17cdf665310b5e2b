package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/realtime"
	"github.com/lalith-99/afterhours/internal/session"
)

type harness struct {
	core     *Core
	api      *fakeAPI
	tr       *fakeTransport
	notifier *countingNotifier
	me       uuid.UUID
}

func start(t *testing.T, api *fakeAPI, opts ...Option) *harness {
	t.Helper()
	h := &harness{api: api, tr: newFakeTransport(), notifier: &countingNotifier{}, me: uuid.New()}
	h.core = New(api, h.tr, append([]Option{WithNotifier(h.notifier)}, opts...)...)
	h.core.Start(context.Background(), h.me)
	t.Cleanup(h.core.Close)
	require.NoError(t, h.core.Snapshot().Err)
	return h
}

func (h *harness) sendAs(sender uuid.UUID) {
	h.api.send = func(_ context.Context, conversationID uuid.UUID, content string) (*models.Message, error) {
		msg := message(conversationID, sender, content, base.Add(time.Minute))
		return &msg, nil
	}
}

func TestStartSubscribesToEveryConversation(t *testing.T) {
	a := conversation(base, 2)
	b := conversation(base.Add(-time.Hour), 3)
	h := start(t, newFakeAPI(b, a))

	state := h.core.Snapshot()
	assert.Equal(t, h.me, state.UserID)
	assert.Equal(t, 5, state.TotalUnread)
	require.Len(t, state.Conversations, 2)
	assert.Equal(t, a.ID, state.Conversations[0].ID, "newest first")
	assert.Equal(t, 1, h.tr.joinCount(realtime.Topic(a.ID)))
	assert.Equal(t, 1, h.tr.joinCount(realtime.Topic(b.ID)))
}

func TestIncomingMessageIsDeduplicatedAcrossPaths(t *testing.T) {
	peer := uuid.New()

	for _, changeFirst := range []bool{false, true} {
		t.Run(fmt.Sprintf("change first %v", changeFirst), func(t *testing.T) {
			conv := conversation(base, 0)
			h := start(t, newFakeAPI(conv))
			h.core.SelectConversation(context.Background(), conv.ID)

			msg := message(conv.ID, peer, "hi", base.Add(time.Minute))
			frames := []realtime.Frame{
				broadcastFrame(t, realtime.EventNewMessage, msg),
				changeFrame(t, realtime.EventInsert, msg),
			}
			if changeFirst {
				frames[0], frames[1] = frames[1], frames[0]
			}
			for _, f := range frames {
				h.tr.deliver(f)
			}

			state := h.core.Snapshot()
			assert.Equal(t, 1, countMessage(state, msg.ID))
			assert.Equal(t, 0, state.TotalUnread)
			require.NotNil(t, state.Messages[0].Sender)
			assert.Equal(t, peer, state.Messages[0].Sender.ID)
		})
	}
}

func TestUnselectedDuplicateCountsOnce(t *testing.T) {
	conv := conversation(base, 0)
	h := start(t, newFakeAPI(conv))

	msg := message(conv.ID, uuid.New(), "hi", base.Add(time.Minute))
	h.tr.deliver(changeFrame(t, realtime.EventInsert, msg))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, msg))

	state := h.core.Snapshot()
	assert.Equal(t, 1, conversationByID(t, state, conv.ID).UnreadCount)
	assert.Equal(t, 1, state.TotalUnread)
	assert.Empty(t, state.Messages)
	assert.Equal(t, 1, h.notifier.count())
}

func TestOwnMessagesAreNotEchoed(t *testing.T) {
	selected := conversation(base, 0)
	other := conversation(base.Add(-time.Hour), 0)
	h := start(t, newFakeAPI(selected, other))
	h.core.SelectConversation(context.Background(), selected.ID)
	h.sendAs(h.me)

	sent, err := h.core.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, *sent))
	h.tr.deliver(changeFrame(t, realtime.EventInsert, *sent))

	// From another device of the same user, in a conversation not on screen.
	elsewhere := message(other.ID, h.me, "from my phone", base.Add(2*time.Minute))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, elsewhere))

	state := h.core.Snapshot()
	assert.Equal(t, 1, countMessage(state, sent.ID))
	assert.Len(t, state.Messages, 1)
	assert.Equal(t, 0, state.TotalUnread)
	assert.Zero(t, h.notifier.count())
}

func TestRoutingReadsSelectionAtDelivery(t *testing.T) {
	first := conversation(base, 0)
	second := conversation(base.Add(-time.Hour), 0)
	h := start(t, newFakeAPI(first, second))
	peer := uuid.New()

	// Both channels were joined before any selection existed.
	h.core.SelectConversation(context.Background(), first.ID)
	h.core.SelectConversation(context.Background(), second.ID)

	toFirst := message(first.ID, peer, "to first", base.Add(time.Minute))
	toSecond := message(second.ID, peer, "to second", base.Add(2*time.Minute))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, toFirst))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, toSecond))

	state := h.core.Snapshot()
	assert.Equal(t, second.ID, state.SelectedID)
	assert.Equal(t, 0, countMessage(state, toFirst.ID))
	assert.Equal(t, 1, countMessage(state, toSecond.ID))
	assert.Equal(t, 1, conversationByID(t, state, first.ID).UnreadCount)
	assert.Equal(t, 0, conversationByID(t, state, second.ID).UnreadCount)
	assert.Equal(t, 1, state.TotalUnread)
}

func TestUnreadAccountingAndMarkAsRead(t *testing.T) {
	a := conversation(base, 2)
	b := conversation(base.Add(-time.Hour), 1)
	h := start(t, newFakeAPI(a, b))
	peer := uuid.New()

	for i := 0; i < 2; i++ {
		msg := message(b.ID, peer, "ping", base.Add(time.Duration(i+1)*time.Minute))
		h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, msg))
	}

	state := h.core.Snapshot()
	assert.Equal(t, 3, conversationByID(t, state, b.ID).UnreadCount)
	assert.Equal(t, 5, state.TotalUnread)
	assert.Equal(t, 2, h.notifier.count())

	h.core.MarkAsRead(context.Background(), b.ID)
	state = h.core.Snapshot()
	assert.Equal(t, 0, conversationByID(t, state, b.ID).UnreadCount)
	assert.Equal(t, 2, state.TotalUnread)

	h.core.MarkAsRead(context.Background(), b.ID)
	assert.Equal(t, 2, h.core.Snapshot().TotalUnread)
	assert.Equal(t, 2, h.api.markReadCalls)
}

func TestMarkAsReadClampsTotalAtZero(t *testing.T) {
	conv := conversation(base, 4)
	h := start(t, newFakeAPI(conv))

	h.core.mu.Lock()
	h.core.totalUnread = 1
	h.core.mu.Unlock()

	h.core.MarkAsRead(context.Background(), conv.ID)

	state := h.core.Snapshot()
	assert.Equal(t, 0, state.TotalUnread)
	assert.Equal(t, 0, conversationByID(t, state, conv.ID).UnreadCount)
}

func TestMarkAsReadFailureKeepsCount(t *testing.T) {
	conv := conversation(base, 4)
	api := newFakeAPI(conv)
	h := start(t, api)
	api.markReadErr = errors.New("server unavailable")

	h.core.MarkAsRead(context.Background(), conv.ID)

	state := h.core.Snapshot()
	assert.Equal(t, 4, state.TotalUnread)
	assert.ErrorContains(t, state.Err, "server unavailable")
}

func TestMessageEventMovesConversationToFront(t *testing.T) {
	a := conversation(base, 0)
	b := conversation(base.Add(-time.Hour), 0)
	c := conversation(base.Add(-2*time.Hour), 0)
	h := start(t, newFakeAPI(a, b, c))

	msg := message(c.ID, uuid.New(), "late night set", base.Add(time.Minute))
	h.tr.deliver(changeFrame(t, realtime.EventInsert, msg))

	state := h.core.Snapshot()
	require.Len(t, state.Conversations, 3)
	assert.Equal(t, c.ID, state.Conversations[0].ID)
	require.NotNil(t, state.Conversations[0].LastMessage)
	assert.Equal(t, "late night set", state.Conversations[0].LastMessage.Content)
	for i := 1; i < len(state.Conversations); i++ {
		assert.False(t, state.Conversations[i].UpdatedAt.After(state.Conversations[i-1].UpdatedAt))
	}
}

func TestLastMessageKeepsNewestOnOutOfOrderDelivery(t *testing.T) {
	selected := conversation(base, 0)
	other := conversation(base.Add(-time.Hour), 0)
	h := start(t, newFakeAPI(selected, other))
	h.core.SelectConversation(context.Background(), selected.ID)

	peer := uuid.New()
	second := message(other.ID, peer, "second", base.Add(2*time.Minute))
	first := message(other.ID, peer, "first", base.Add(time.Minute))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, second))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, first))

	conv := conversationByID(t, h.core.Snapshot(), other.ID)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "second", conv.LastMessage.Content)
	assert.Equal(t, second.CreatedAt, conv.UpdatedAt)
	assert.Equal(t, 2, conv.UnreadCount)
}

func TestSendMessageAppendsAndBroadcasts(t *testing.T) {
	a := conversation(base, 0)
	b := conversation(base.Add(-time.Hour), 0)
	h := start(t, newFakeAPI(a, b))
	h.core.SelectConversation(context.Background(), b.ID)
	h.sendAs(h.me)

	sent, err := h.core.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	state := h.core.Snapshot()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, sent.ID, state.Messages[0].ID)
	assert.Equal(t, b.ID, state.Conversations[0].ID)
	assert.Equal(t, "hi", state.Conversations[0].LastMessage.Content)

	frames := h.tr.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, realtime.Topic(b.ID), frames[0].topic)
	assert.Equal(t, realtime.EventNewMessage, frames[0].event)
}

func TestSendMessageTimesOut(t *testing.T) {
	conv := conversation(base, 0)
	h := start(t, newFakeAPI(conv), WithSendTimeout(20*time.Millisecond))
	h.core.SelectConversation(context.Background(), conv.ID)
	h.api.send = func(ctx context.Context, _ uuid.UUID, _ string) (*models.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.core.SendMessage(context.Background(), "hi")

	assert.ErrorIs(t, err, ErrSendTimeout)
	assert.NotErrorIs(t, err, ErrSendFailed)
	assert.Empty(t, h.core.Snapshot().Messages)
	assert.Empty(t, h.tr.sent())
}

func TestSendMessageFailure(t *testing.T) {
	conv := conversation(base, 0)
	h := start(t, newFakeAPI(conv))
	h.core.SelectConversation(context.Background(), conv.ID)

	t.Run("generic", func(t *testing.T) {
		h.api.send = func(context.Context, uuid.UUID, string) (*models.Message, error) {
			return nil, errors.New("boom")
		}
		_, err := h.core.SendMessage(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.NotErrorIs(t, err, ErrSendTimeout)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("not authenticated", func(t *testing.T) {
		h.api.send = func(context.Context, uuid.UUID, string) (*models.Message, error) {
			return nil, fmt.Errorf("refresh: %w", session.ErrNotAuthenticated)
		}
		_, err := h.core.SendMessage(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.ErrorIs(t, err, session.ErrNotAuthenticated)
		assert.ErrorIs(t, h.core.Snapshot().Err, session.ErrNotAuthenticated)
	})
}

func TestSendMessageRequiresSelection(t *testing.T) {
	h := start(t, newFakeAPI(conversation(base, 0)))

	_, err := h.core.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoConversation)
}

// Two users share a conversation; the recipient is looking at another one.
func TestSendReachesPeerAsUnread(t *testing.T) {
	shared := conversation(base.Add(-time.Hour), 0)
	elsewhere := conversation(base, 0)

	alice := start(t, newFakeAPI(shared))
	bob := start(t, newFakeAPI(shared, elsewhere))
	alice.core.SelectConversation(context.Background(), shared.ID)
	bob.core.SelectConversation(context.Background(), elsewhere.ID)
	alice.sendAs(alice.me)

	sent, err := alice.core.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	aliceState := alice.core.Snapshot()
	assert.Equal(t, 1, countMessage(aliceState, sent.ID))
	assert.Equal(t, "hi", conversationByID(t, aliceState, shared.ID).LastMessage.Content)

	frames := alice.tr.sent()
	require.Len(t, frames, 1)
	relayed, ok := frames[0].payload.(*models.Message)
	require.True(t, ok)
	bob.tr.deliver(broadcastFrame(t, frames[0].event, *relayed))

	bobState := bob.core.Snapshot()
	assert.Empty(t, bobState.Messages)
	assert.Equal(t, 1, conversationByID(t, bobState, shared.ID).UnreadCount)
	assert.Equal(t, 1, bobState.TotalUnread)
	assert.Equal(t, shared.ID, bobState.Conversations[0].ID)
}

func TestChangeFeedResolvesSenderProfileOnce(t *testing.T) {
	conv := conversation(base, 0)
	api := newFakeAPI(conv)
	peer := uuid.New()
	name := "DJ Nightowl"
	api.profiles[peer] = &models.Profile{ID: peer, DisplayName: &name}
	h := start(t, api)
	h.core.SelectConversation(context.Background(), conv.ID)

	h.tr.deliver(changeFrame(t, realtime.EventInsert, message(conv.ID, peer, "one", base.Add(time.Minute))))
	h.tr.deliver(changeFrame(t, realtime.EventInsert, message(conv.ID, peer, "two", base.Add(2*time.Minute))))

	state := h.core.Snapshot()
	require.Len(t, state.Messages, 2)
	for _, msg := range state.Messages {
		assert.Equal(t, name, msg.Sender.Name())
	}
	assert.Equal(t, 1, api.profileCalls)
}

func TestCreateConversationRefreshesList(t *testing.T) {
	h := start(t, newFakeAPI(conversation(base, 0)))
	name := "b2b crew"

	created, err := h.core.CreateConversation(context.Background(), []uuid.UUID{uuid.New(), uuid.New()}, &name, true)
	require.NoError(t, err)

	state := h.core.Snapshot()
	assert.Len(t, state.Conversations, 2)
	assert.Equal(t, created.ID, state.Conversations[0].ID)
	assert.Equal(t, 1, h.tr.joinCount(realtime.Topic(created.ID)))
}

func TestFetchLeavesChannelsOfRemovedConversations(t *testing.T) {
	kept := conversation(base, 0)
	removed := conversation(base.Add(-time.Hour), 0)
	api := newFakeAPI(kept, removed)
	h := start(t, api)

	api.mu.Lock()
	api.conversations = []models.Conversation{kept}
	api.mu.Unlock()
	h.core.FetchConversations(context.Background())

	assert.Equal(t, []string{realtime.Topic(removed.ID)}, h.tr.leftTopics())
	assert.Equal(t, []uuid.UUID{kept.ID}, h.core.Subscribed())
	assert.Equal(t, 1, h.tr.joinCount(realtime.Topic(kept.ID)))
}

func TestSubscriptionIsIdempotent(t *testing.T) {
	conv := conversation(base, 0)
	h := start(t, newFakeAPI(conv))
	ctx := context.Background()

	require.NoError(t, h.core.SubscribeToConversation(ctx, conv.ID))
	require.NoError(t, h.core.SubscribeToConversation(ctx, conv.ID))
	assert.Equal(t, 1, h.tr.joinCount(realtime.Topic(conv.ID)))

	require.NoError(t, h.core.UnsubscribeFromConversation(ctx, conv.ID))
	require.NoError(t, h.core.UnsubscribeFromConversation(ctx, conv.ID))
	assert.Len(t, h.tr.leftTopics(), 1)
}

func TestCloseLeavesEveryChannel(t *testing.T) {
	a := conversation(base, 0)
	b := conversation(base.Add(-time.Hour), 0)
	h := start(t, newFakeAPI(a, b))

	h.core.Close()
	h.core.Close()

	assert.ElementsMatch(t, []string{realtime.Topic(a.ID), realtime.Topic(b.ID)}, h.tr.leftTopics())
	assert.Empty(t, h.core.Subscribed())
	assert.ErrorIs(t, h.core.SubscribeToConversation(context.Background(), a.ID), ErrNotStarted)
}

func TestFetchDiscardedWhenSelectionMoves(t *testing.T) {
	first := conversation(base, 0)
	second := conversation(base.Add(-time.Hour), 0)
	api := newFakeAPI(first, second)
	peer := uuid.New()
	api.messages[first.ID] = []models.Message{message(first.ID, peer, "first", base)}
	api.messages[second.ID] = []models.Message{message(second.ID, peer, "second", base)}
	h := start(t, api)

	switched := false
	api.onListMessages = func(id uuid.UUID) {
		if id == first.ID && !switched {
			switched = true
			h.core.SelectConversation(context.Background(), second.ID)
		}
	}
	h.core.SelectConversation(context.Background(), first.ID)

	state := h.core.Snapshot()
	assert.Equal(t, second.ID, state.SelectedID)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "second", state.Messages[0].Content)
}

func TestFetchMessagesMergesWithLocalState(t *testing.T) {
	conv := conversation(base, 0)
	api := newFakeAPI(conv)
	peer := uuid.New()
	snapshotted := message(conv.ID, peer, "original", base)
	api.messages[conv.ID] = []models.Message{snapshotted}
	h := start(t, api)
	h.core.SelectConversation(context.Background(), conv.ID)

	edited := snapshotted
	edited.Content = "edited"
	edited.IsEdited = true
	edited.UpdatedAt = base.Add(5 * time.Minute)
	h.tr.deliver(broadcastFrame(t, realtime.EventMessageUpdated, edited))

	older := message(conv.ID, peer, "older", base.Add(-time.Hour))
	newer := message(conv.ID, peer, "newer", base.Add(10*time.Minute))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, older))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, newer))
	require.Len(t, h.core.Snapshot().Messages, 3)

	// The server still returns the pre-edit row.
	h.core.FetchMessages(context.Background(), conv.ID)

	state := h.core.Snapshot()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "edited", state.Messages[0].Content)
	assert.Equal(t, newer.ID, state.Messages[1].ID)
}

func TestRemoteUpdateKeepsNewerCopy(t *testing.T) {
	conv := conversation(base, 0)
	api := newFakeAPI(conv)
	peer := uuid.New()
	msg := message(conv.ID, peer, "v2", base)
	msg.UpdatedAt = base.Add(time.Hour)
	api.messages[conv.ID] = []models.Message{msg}
	h := start(t, api)
	h.core.SelectConversation(context.Background(), conv.ID)

	stale := msg
	stale.Content = "v1"
	stale.UpdatedAt = base.Add(time.Minute)
	h.tr.deliver(changeFrame(t, realtime.EventUpdate, stale))
	assert.Equal(t, "v2", h.core.Snapshot().Messages[0].Content)

	deleted := msg
	deleted.IsDeleted = true
	deleted.UpdatedAt = base.Add(2 * time.Hour)
	h.tr.deliver(changeFrame(t, realtime.EventUpdate, deleted))

	got := h.core.Snapshot().Messages[0]
	assert.True(t, got.IsDeleted)
	require.NotNil(t, got.Sender, "sender kept from the earlier copy")
}

func TestEditAndDeleteOwnMessage(t *testing.T) {
	conv := conversation(base, 0)
	api := newFakeAPI(conv)
	h := start(t, api)
	mine := message(conv.ID, h.me, "draft", base)
	api.messages[conv.ID] = []models.Message{mine}
	h.core.SelectConversation(context.Background(), conv.ID)

	_, err := h.core.EditMessage(context.Background(), mine.ID, "final")
	require.NoError(t, err)
	got := h.core.Snapshot().Messages[0]
	assert.Equal(t, "final", got.Content)
	assert.True(t, got.IsEdited)

	_, err = h.core.DeleteMessage(context.Background(), mine.ID)
	require.NoError(t, err)
	assert.True(t, h.core.Snapshot().Messages[0].IsDeleted)

	frames := h.tr.sent()
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, realtime.EventMessageUpdated, f.event)
	}
}

func TestFetchFailureLandsInState(t *testing.T) {
	conv := conversation(base, 2)
	api := newFakeAPI(conv)
	h := start(t, api)

	api.mu.Lock()
	api.listErr = fmt.Errorf("token: %w", session.ErrNotAuthenticated)
	api.mu.Unlock()
	h.core.FetchConversations(context.Background())

	state := h.core.Snapshot()
	assert.ErrorIs(t, state.Err, session.ErrNotAuthenticated)
	assert.Len(t, state.Conversations, 1, "stale list kept")
	assert.Equal(t, 2, state.TotalUnread)
}

func TestNotifierPrimedOnce(t *testing.T) {
	a := conversation(base, 0)
	b := conversation(base.Add(-time.Hour), 0)
	h := start(t, newFakeAPI(a, b))

	h.core.SelectConversation(context.Background(), a.ID)
	h.core.SelectConversation(context.Background(), b.ID)
	h.core.SelectConversation(context.Background(), uuid.Nil)

	assert.Equal(t, 1, h.notifier.primes)
	state := h.core.Snapshot()
	assert.Equal(t, uuid.Nil, state.SelectedID)
	assert.Empty(t, state.Messages)
}

func TestUpdatesSignalsChanges(t *testing.T) {
	conv := conversation(base, 0)
	h := start(t, newFakeAPI(conv))

	select {
	case <-h.core.Updates():
	default:
	}

	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, message(conv.ID, uuid.New(), "hi", base.Add(time.Minute))))

	select {
	case <-h.core.Updates():
	case <-time.After(time.Second):
		t.Fatal("expected an update signal")
	}
}

func TestLoadParticipantsFillsConversation(t *testing.T) {
	conv := conversation(base, 0)
	h := start(t, newFakeAPI(conv))

	h.core.LoadParticipants(context.Background(), conv.ID)

	assert.Len(t, conversationByID(t, h.core.Snapshot(), conv.ID).Participants, 1)
}

func TestFetchErrorDiscardedWhenSelectionMoves(t *testing.T) {
	first := conversation(base, 0)
	second := conversation(base.Add(-time.Hour), 0)
	api := newFakeAPI(first, second)
	api.messages[second.ID] = []models.Message{message(second.ID, uuid.New(), "second", base)}
	api.messagesErr[first.ID] = errors.New("connection reset")
	h := start(t, api)

	switched := false
	api.onListMessages = func(id uuid.UUID) {
		if id == first.ID && !switched {
			switched = true
			h.core.SelectConversation(context.Background(), second.ID)
		}
	}
	h.core.SelectConversation(context.Background(), first.ID)

	state := h.core.Snapshot()
	assert.NoError(t, state.Err)
	assert.Equal(t, second.ID, state.SelectedID)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "second", state.Messages[0].Content)
}

func TestResyncRefreshesListAndSelectedMessages(t *testing.T) {
	selected := conversation(base, 0)
	api := newFakeAPI(selected)
	peer := uuid.New()
	before := message(selected.ID, peer, "before the drop", base)
	api.messages[selected.ID] = []models.Message{before}
	h := start(t, api)
	h.core.SelectConversation(context.Background(), selected.ID)
	require.Len(t, h.core.Snapshot().Messages, 1)

	// Arrived while realtime was down.
	missed := message(selected.ID, peer, "while offline", base.Add(time.Minute))
	added := conversation(base.Add(-time.Hour), 4)
	api.mu.Lock()
	api.messages[selected.ID] = append(api.messages[selected.ID], missed)
	api.conversations = append(api.conversations, added)
	api.mu.Unlock()

	// Delivered after the reconnect, before the server snapshot lands.
	live := message(selected.ID, peer, "after the reconnect", base.Add(2*time.Minute))
	h.tr.deliver(broadcastFrame(t, realtime.EventNewMessage, live))

	h.core.Resync(context.Background())

	state := h.core.Snapshot()
	require.Len(t, state.Conversations, 2)
	assert.Equal(t, 4, state.TotalUnread)
	assert.Equal(t, 1, h.tr.joinCount(realtime.Topic(added.ID)))
	assert.Equal(t, selected.ID, state.SelectedID)

	require.Len(t, state.Messages, 3)
	assert.Equal(t, before.ID, state.Messages[0].ID)
	assert.Equal(t, missed.ID, state.Messages[1].ID)
	assert.Equal(t, live.ID, state.Messages[2].ID)
	assert.NoError(t, state.Err)
}

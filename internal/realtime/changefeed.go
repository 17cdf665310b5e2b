package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/observ"
	"github.com/lalith-99/afterhours/internal/repository"
)

// notification is the JSON payload written by the messages trigger.
type notification struct {
	Op             string    `json:"op"`
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// ChangeFeed turns database notifications about messages into
// postgres_changes frames for local subscribers.
type ChangeFeed struct {
	pool     *pgxpool.Pool
	channel  string
	messages repository.MessageRepository
	hub      *Hub
	logger   *zap.Logger
}

func NewChangeFeed(pool *pgxpool.Pool, channel string, messages repository.MessageRepository, hub *Hub, logger *zap.Logger) *ChangeFeed {
	return &ChangeFeed{pool: pool, channel: channel, messages: messages, hub: hub, logger: logger}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff
// whenever the listening connection fails.
func (f *ChangeFeed) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	operation := func() error {
		err := f.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Warn("change feed disconnected, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listen holds one connection in LISTEN mode. connected is called once the
// LISTEN succeeded.
func (f *ChangeFeed) listen(ctx context.Context, connected func()) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}
	connected()
	f.logger.Info("change feed listening", zap.String("channel", f.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if err := f.handle(ctx, n.Payload); err != nil {
			f.logger.Warn("change notification skipped", zap.String("payload", n.Payload), zap.Error(err))
		}
	}
}

// handle loads the changed row and delivers it to the conversation topic.
func (f *ChangeFeed) handle(ctx context.Context, payload string) error {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.Op != EventInsert && n.Op != EventUpdate {
		return fmt.Errorf("unsupported operation %q", n.Op)
	}

	topic := Topic(n.ConversationID)
	if f.hub.Subscribers(topic) == 0 {
		return nil
	}

	msg, err := f.messages.GetRaw(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", n.ID, err)
	}
	if msg == nil {
		return nil
	}

	frame, err := NewFrame(TypeChanges, topic, n.Op, ChangePayload{
		Type:   n.Op,
		Table:  MessagesTable,
		Record: *msg,
	})
	if err != nil {
		return err
	}

	f.hub.Deliver(frame, uuid.Nil)
	observ.IncRealtimeEvent(TypeChanges, n.Op)
	return nil
}

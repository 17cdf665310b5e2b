package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RelayChannel is the redis pub/sub channel shared by all instances.
const RelayChannel = "afterhours:realtime"

// Relay fans client broadcasts out to every server instance.
type Relay interface {
	// Start begins consuming remote broadcasts. It returns once the relay is
	// ready to receive.
	Start(ctx context.Context) error
	// Publish delivers frame to local subscribers except origin, and to
	// every other instance.
	Publish(ctx context.Context, frame Frame, origin uuid.UUID) error
	Close() error
}

// NewRelay picks the redis relay when a client is given, the in-process one
// otherwise.
func NewRelay(rdb *redis.Client, hub *Hub, logger *zap.Logger) Relay {
	if rdb == nil {
		return &LocalRelay{hub: hub}
	}
	return NewRedisRelay(rdb, hub, logger)
}

// LocalRelay serves a single instance.
type LocalRelay struct {
	hub *Hub
}

func (r *LocalRelay) Start(context.Context) error { return nil }

func (r *LocalRelay) Publish(_ context.Context, frame Frame, origin uuid.UUID) error {
	r.hub.Deliver(frame, origin)
	return nil
}

func (r *LocalRelay) Close() error { return nil }

// envelope is what travels over redis.
type envelope struct {
	Instance string `msgpack:"instance"`
	Origin   string `msgpack:"origin"`
	Frame    Frame  `msgpack:"frame"`
}

// RedisRelay delivers locally at once and publishes a msgpack envelope for
// the other instances. Envelopes from this instance are skipped on receipt.
type RedisRelay struct {
	rdb      *redis.Client
	hub      *Hub
	instance string
	logger   *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisRelay(rdb *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:      rdb,
		hub:      hub,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, RelayChannel)
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", RelayChannel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.consume(pubsub.Channel(), r.done)

	r.logger.Info("realtime relay subscribed",
		zap.String("channel", RelayChannel),
		zap.String("instance", r.instance),
	)
	return nil
}

func (r *RedisRelay) consume(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var env envelope
		if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("discarding malformed relay envelope", zap.Error(err))
			continue
		}
		if env.Instance == r.instance {
			continue
		}
		origin, _ := uuid.Parse(env.Origin)
		r.hub.Deliver(env.Frame, origin)
	}
}

func (r *RedisRelay) Publish(ctx context.Context, frame Frame, origin uuid.UUID) error {
	r.hub.Deliver(frame, origin)

	data, err := msgpack.Marshal(envelope{
		Instance: r.instance,
		Origin:   origin.String(),
		Frame:    frame,
	})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, RelayChannel, data).Err(); err != nil {
		return fmt.Errorf("publish relay envelope: %w", err)
	}
	return nil
}

// Close stops consuming and waits for the consumer goroutine to exit.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

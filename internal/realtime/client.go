package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClientClosed is returned by operations on a closed Client.
var ErrClientClosed = errors.New("realtime client closed")

// TokenFunc returns a bearer token for the handshake. It is called on every
// (re)connect so refreshed tokens are picked up.
type TokenFunc func(ctx context.Context) (string, error)

// FrameHandler receives broadcast and postgres_changes frames for one topic.
// Handlers run one frame at a time, in arrival order, on a dispatch
// goroutine separate from the socket reader, so a slow handler never delays
// join and leave replies.
type FrameHandler func(Frame)

// Subscription is a joined topic.
type Subscription interface {
	Topic() string
	Broadcast(ctx context.Context, event string, payload any) error
	Leave(ctx context.Context) error
}

// RefusedError is returned when the server refuses a join or leave.
type RefusedError struct {
	Op     string
	Topic  string
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s %s refused: %s", e.Op, e.Topic, e.Reason)
}

// Client is the websocket side of the realtime channel service used by the
// messaging core. It keeps one socket, multiplexes topics over it, and
// re-joins every topic after reconnecting.
type Client struct {
	url    string
	token  TokenFunc
	dialer *websocket.Dialer
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// writeMu serialises writers; gorilla allows one at a time.
	writeMu sync.Mutex

	mu          sync.Mutex
	ws          *websocket.Conn
	subs        map[string]*channel
	pending     map[string]chan Frame
	nextRef     uint64
	onReconnect func()
	closed      bool

	// queue holds frames read but not yet handed to their topic handler.
	queueMu sync.Mutex
	queue   []Frame
	wake    chan struct{}
}

// Dial connects to rawURL and starts the read loop. ctx bounds only the
// initial handshake.
func Dial(ctx context.Context, rawURL string, token TokenFunc, logger *zap.Logger) (*Client, error) {
	c := &Client{
		url:     rawURL,
		token:   token,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		done:    make(chan struct{}),
		subs:    make(map[string]*channel),
		pending: make(map[string]chan Frame),
		wake:    make(chan struct{}, 1),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ws, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.ws = ws

	go c.run(ws)
	go c.dispatch()
	return c, nil
}

// OnReconnect registers fn to run after a lost connection is restored and
// topics are re-joined. fn runs on its own goroutine.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime token: %w", err)
	}

	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return ws, nil
}

// run reads until the client is closed, reconnecting whenever the socket
// fails.
func (c *Client) run(ws *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("realtime connection lost", zap.Error(err))

		ws = c.reconnect()
		if ws == nil {
			return
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		if f.Ref != "" && (f.Type == TypeReply || f.Type == TypeError) {
			c.mu.Lock()
			waiter, ok := c.pending[f.Ref]
			delete(c.pending, f.Ref)
			c.mu.Unlock()
			if ok {
				waiter <- f
				continue
			}
		}

		switch f.Type {
		case TypeBroadcast, TypeChanges:
			c.enqueue(f)
		case TypeError:
			c.logger.Warn("realtime error frame", zap.String("topic", f.Topic), zap.ByteString("payload", f.Payload))
		}
	}
}

func (c *Client) enqueue(f Frame) {
	c.queueMu.Lock()
	c.queue = append(c.queue, f)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch hands queued frames to their topic handlers until the client is
// closed. The subscription is looked up at hand-off, so frames for a topic
// left in the meantime are dropped.
func (c *Client) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			f := c.queue[0]
			c.queue[0] = Frame{}
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			c.mu.Lock()
			ch := c.subs[f.Topic]
			c.mu.Unlock()
			if ch != nil && c.ctx.Err() == nil {
				ch.handler(f)
			}
		}
	}
}

// reconnect dials with exponential backoff until it succeeds or the client
// is closed, then re-joins every topic. Returns nil if closed.
func (c *Client) reconnect() *websocket.Conn {
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	var ws *websocket.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		ws, err = c.connect(c.ctx)
		return err
	}, backoff.WithContext(b, c.ctx), func(err error, wait time.Duration) {
		c.logger.Warn("realtime reconnect failed", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	hook := c.onReconnect
	c.mu.Unlock()

	c.logger.Info("realtime reconnected", zap.Int("topics", len(topics)))

	// The read loop is not running yet, so joins are sent without waiting
	// for their replies. A refused join arrives as an unmatched reply.
	for _, topic := range topics {
		if err := c.write(Frame{Type: TypeJoin, Topic: topic}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	if hook != nil {
		go hook()
	}
	return ws
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("realtime not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// request sends f with a fresh ref and waits for the matching reply.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	waiter := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, ErrClientClosed
	}
	c.nextRef++
	f.Ref = strconv.FormatUint(c.nextRef, 10)
	c.pending[f.Ref] = waiter
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}

	if err := c.write(f); err != nil {
		forget()
		return Frame{}, err
	}

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrClientClosed
	}
}

// Join subscribes handler to topic and waits for the server to accept.
// Joining a topic that is already joined returns the existing subscription.
func (c *Client) Join(ctx context.Context, topic string, handler FrameHandler) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if existing, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	// Registered before the join is sent so frames that race the reply are
	// not lost.
	ch := &channel{client: c, topic: topic, handler: handler}
	c.subs[topic] = ch
	c.mu.Unlock()

	reply, err := c.request(ctx, Frame{Type: TypeJoin, Topic: topic})
	if err == nil {
		err = replyErr(topic, reply)
	}
	if err != nil {
		c.drop(ch)
		if ctx.Err() != nil {
			c.abandon(topic)
		}
		return nil, err
	}
	return ch, nil
}

// abandon sends a leave for a join whose reply never arrived; the server
// may still accept the join after the caller gave up. The leave's reply is
// not awaited.
func (c *Client) abandon(topic string) {
	c.mu.Lock()
	_, rejoined := c.subs[topic]
	closed := c.closed
	c.mu.Unlock()
	if rejoined || closed {
		return
	}
	if err := c.write(Frame{Type: TypeLeave, Topic: topic}); err != nil {
		c.logger.Debug("leave after abandoned join failed", zap.String("topic", topic), zap.Error(err))
	}
}

func replyErr(topic string, reply Frame) error {
	var p ReplyPayload
	if err := reply.Decode(&p); err != nil {
		return err
	}
	if reply.Type == TypeError || p.Status != StatusOK {
		return &RefusedError{Op: reply.Event, Topic: topic, Reason: p.Reason}
	}
	return nil
}

// drop removes ch if it is still the registered subscription for its topic.
func (c *Client) drop(ch *channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[ch.topic] != ch {
		return false
	}
	delete(c.subs, ch.topic)
	return true
}

// Topics returns the currently joined topics.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Close stops the read loop and closes the socket. Subscriptions stop
// receiving frames immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]*channel)
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		ws.Close()
	}
	<-c.done
	return nil
}

type channel struct {
	client  *Client
	topic   string
	handler FrameHandler
}

func (ch *channel) Topic() string { return ch.topic }

func (ch *channel) Broadcast(ctx context.Context, event string, payload any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	frame, err := NewFrame(TypeBroadcast, ch.topic, event, payload)
	if err != nil {
		return err
	}
	return ch.client.write(frame)
}

// Leave stops local delivery at once, then tells the server. Leaving twice
// is a no-op.
func (ch *channel) Leave(ctx context.Context) error {
	if !ch.client.drop(ch) {
		return nil
	}
	reply, err := ch.client.request(ctx, Frame{Type: TypeLeave, Topic: ch.topic})
	if err != nil {
		if errors.Is(err, ErrClientClosed) {
			return nil
		}
		return fmt.Errorf("leave %s: %w", ch.topic, err)
	}
	return replyErr(ch.topic, reply)
}

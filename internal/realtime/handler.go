package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/auth"
	"github.com/lalith-99/afterhours/internal/middleware"
	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/observ"
	"github.com/lalith-99/afterhours/internal/repository"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves GET /realtime.
type Handler struct {
	hub          *Hub
	relay        Relay
	participants repository.ParticipantRepository
	secret       string
	logger       *zap.Logger
}

func NewHandler(hub *Hub, relay Relay, participants repository.ParticipantRepository, secret string, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, relay: relay, participants: participants, secret: secret, logger: logger}
}

// Serve authenticates the token, upgrades the request and runs the
// connection until either side closes it. Browsers cannot set headers on a
// websocket handshake, so ?token= is accepted alongside Authorization.
func (h *Handler) Serve(c *gin.Context) {
	ctx, span := otel.Tracer("afterhours/realtime").Start(c.Request.Context(), "realtime.handshake")
	defer span.End()

	token := c.Query("token")
	if token == "" {
		token, _ = middleware.BearerToken(c.GetHeader("Authorization"))
	}
	claims, err := auth.ParseToken(token, h.secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", claims.UserID.String()))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(ws, claims.UserID)
	h.hub.Register(conn)
	observ.IncRealtimeConnections()
	h.logger.Info("realtime connected",
		zap.String("conn_id", conn.id.String()),
		zap.String("user_id", conn.userID.String()),
	)

	go conn.writePump()

	// The handshake span ends here; frames are handled with a detached
	// context carrying the span's trace.
	connCtx := context.WithoutCancel(ctx)
	go func() {
		err := conn.readPump(
			func(f Frame) { h.dispatch(connCtx, conn, f) },
			func(error) { h.replyError(conn, "", "", "malformed frame") },
		)
		h.hub.Unregister(conn)
		observ.DecRealtimeConnections()

		fields := []zap.Field{
			zap.String("conn_id", conn.id.String()),
			zap.Duration("duration", time.Since(conn.connectedAt)),
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			h.logger.Warn("realtime connection lost", append(fields, zap.Error(err))...)
			return
		}
		h.logger.Info("realtime disconnected", fields...)
	}()
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, f Frame) {
	observ.IncRealtimeEvent(f.Type, f.Event)

	switch f.Type {
	case TypeJoin:
		h.join(ctx, conn, f)
	case TypeLeave:
		h.hub.Leave(conn, f.Topic)
		h.reply(conn, f, StatusOK, "")
	case TypeBroadcast:
		h.broadcast(ctx, conn, f)
	default:
		h.replyError(conn, f.Topic, f.Ref, "unsupported frame type")
	}
}

func (h *Handler) join(ctx context.Context, conn *Conn, f Frame) {
	conversationID, err := ParseTopic(f.Topic)
	if err != nil {
		h.reply(conn, f, StatusError, "unknown topic")
		return
	}

	ok, err := h.participants.IsParticipant(ctx, conversationID, conn.userID)
	if err != nil {
		h.logger.Error("failed to check membership", zap.Error(err))
		h.reply(conn, f, StatusError, "membership check failed")
		return
	}
	if !ok {
		h.reply(conn, f, StatusError, "not a participant")
		return
	}

	h.hub.Join(conn, f.Topic)
	h.reply(conn, f, StatusOK, "")
}

// broadcast relays a client's message frame to the other subscribers. The
// message must belong to the topic and be authored by the connection's user.
func (h *Handler) broadcast(ctx context.Context, conn *Conn, f Frame) {
	if !h.hub.Joined(conn, f.Topic) {
		h.replyError(conn, f.Topic, f.Ref, "join the topic before broadcasting")
		return
	}
	if f.Event != EventNewMessage && f.Event != EventMessageUpdated {
		h.replyError(conn, f.Topic, f.Ref, "unsupported broadcast event")
		return
	}

	var msg models.Message
	if err := f.Decode(&msg); err != nil {
		h.replyError(conn, f.Topic, f.Ref, "invalid message payload")
		return
	}
	conversationID, _ := ParseTopic(f.Topic)
	if msg.ID == uuid.Nil || msg.ConversationID != conversationID || !msg.SentBy(conn.userID) {
		h.replyError(conn, f.Topic, f.Ref, "message does not match topic or sender")
		return
	}

	out := Frame{Type: TypeBroadcast, Topic: f.Topic, Event: f.Event, Payload: f.Payload}
	if err := h.relay.Publish(ctx, out, conn.id); err != nil {
		h.logger.Warn("failed to relay broadcast", zap.String("topic", f.Topic), zap.Error(err))
	}
}

func (h *Handler) reply(conn *Conn, f Frame, status, reason string) {
	frame, err := NewFrame(TypeReply, f.Topic, f.Type, ReplyPayload{Status: status, Reason: reason})
	if err != nil {
		return
	}
	frame.Ref = f.Ref
	h.hub.send(conn, frame)
}

func (h *Handler) replyError(conn *Conn, topic, ref, reason string) {
	frame, err := NewFrame(TypeError, topic, "", ReplyPayload{Status: StatusError, Reason: reason})
	if err != nil {
		return
	}
	frame.Ref = ref
	h.hub.send(conn, frame)
}

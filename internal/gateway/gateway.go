// Package gateway is the authoritative coordination point for realtime
// connections: authentication, room membership, rate limiting, and routing
// between the transport, the coordinators and the fan-out adapter.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"twinlink/internal/event"
	"twinlink/internal/fanout"
	"twinlink/internal/identity"
	"twinlink/internal/membership"
	"twinlink/internal/presence"
	"twinlink/internal/ratelimit"
	"twinlink/internal/typing"

	"github.com/google/uuid"
)

var ErrNotRoomMember = errors.New("not a member of the room")

// RateLimitedError carries the structured denial for a connection-level
// limit, so the transport can report it before closing the handshake.
type RateLimitedError struct {
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %s", e.Result.ResetIn)
}

// Publisher is the slice of the fan-out adapter the gateway needs.
type Publisher interface {
	Publish(room string, ev event.Event)
	Mode() fanout.Mode
}

// Stats is the aggregate view served by the health endpoint.
type Stats struct {
	Connections      int    `json:"connections"`
	ConnectedUsers   int    `json:"connected_users"`
	ActiveRooms      int    `json:"active_rooms"`
	RateLimitBuckets int    `json:"rate_limit_buckets"`
	TypingStates     int    `json:"typing_states"`
	PresenceRecords  int    `json:"presence_records"`
	FanoutMode       string `json:"fanout_mode"`
}

// Gateway owns every live connection of the process. Per-entity state
// (buckets, typing, presence) lives inside the coordinators and is only
// touched through their public operations.
type Gateway struct {
	auth     *identity.Authenticator
	rooms    membership.Authorizer
	limiter  *ratelimit.Limiter
	typing   *typing.Coordinator
	presence *presence.Coordinator
	logger   *slog.Logger

	mu        sync.RWMutex
	fanout    Publisher
	conns     map[string]*Connection
	roomConns map[string]map[string]*Connection
}

func New(
	auth *identity.Authenticator,
	rooms membership.Authorizer,
	limiter *ratelimit.Limiter,
	typingCoord *typing.Coordinator,
	presenceCoord *presence.Coordinator,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		auth:      auth,
		rooms:     rooms,
		limiter:   limiter,
		typing:    typingCoord,
		presence:  presenceCoord,
		logger:    logger,
		conns:     make(map[string]*Connection),
		roomConns: make(map[string]map[string]*Connection),
	}
}

// AttachFanout wires the adapter in after construction (the adapter's
// delivery callback needs the gateway first).
func (g *Gateway) AttachFanout(p Publisher) {
	g.mu.Lock()
	g.fanout = p
	g.mu.Unlock()
}

// Connect authenticates the bearer credential and registers a connection.
// This must complete before any room operation; it is also the only setup
// step allowed to block on an external lookup.
func (g *Gateway) Connect(ctx context.Context, token, deviceID string) (*Connection, error) {
	id, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	if res := g.limiter.CheckLimit(id.UserID, ratelimit.CategoryConnection, 1); !res.Allowed {
		return nil, &RateLimitedError{Result: res}
	}

	conn := newConnection(id.UserID, id.UserName, deviceID)

	g.mu.Lock()
	g.conns[conn.id] = conn
	g.mu.Unlock()

	g.logger.Info("Connection registered", "connID", conn.id, "userID", conn.userID, "deviceID", deviceID)
	return conn, nil
}

// JoinRoom admits the connection into a room after the membership check.
// A connection holds at most one room; joining another implicitly leaves the
// previous one.
func (g *Gateway) JoinRoom(ctx context.Context, conn *Connection, roomID string) error {
	ok, err := g.rooms.IsMember(ctx, roomID, conn.userID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		return ErrNotRoomMember
	}

	if prev := conn.Room(); prev != "" && prev != roomID {
		g.leaveRoom(conn, prev)
	}

	g.mu.Lock()
	if g.roomConns[roomID] == nil {
		g.roomConns[roomID] = make(map[string]*Connection)
	}
	g.roomConns[roomID][conn.id] = conn
	g.mu.Unlock()
	conn.setRoom(roomID)

	rec := g.presence.MarkOnline(roomID, conn.userID, conn.deviceID)

	ack := event.New(uuid.New().String(), event.TypeRoomJoined, roomID, conn.userID, map[string]any{
		"status":       string(rec.Status),
		"device_count": len(rec.Devices),
	})
	if err := conn.push(ack); err != nil {
		g.logger.Warn("Failed to ack room join", "connID", conn.id, "error", err)
	}

	g.logger.Info("Room joined", "connID", conn.id, "userID", conn.userID, "roomID", roomID)
	return nil
}

// leaveRoom detaches the connection from a room and lets the coordinators
// wind the user down if this was their last connection there.
func (g *Gateway) leaveRoom(conn *Connection, roomID string) {
	g.mu.Lock()
	if members, ok := g.roomConns[roomID]; ok {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(g.roomConns, roomID)
		}
	}
	g.mu.Unlock()
	conn.setRoom("")

	g.typing.ClearUser(roomID, conn.userID)
	g.presence.MarkDisconnected(roomID, conn.userID, conn.deviceID)
}

// Dispatch routes one inbound event. The rate limiter runs first; a denial
// answers the sender with a structured rate_limited event and never reaches
// the coordinators.
func (g *Gateway) Dispatch(ctx context.Context, conn *Connection, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		g.pushError(conn, ev.ID, "INVALID_EVENT", err.Error())
		return nil
	}

	category := categoryFor(ev.Type)
	if res := g.limiter.CheckLimit(conn.userID, category, 1); !res.Allowed {
		denial := event.NewRateLimited(uuid.New().String(), conn.userID, ev.Type,
			res.Remaining, res.ResetIn, res.Backoff)
		if err := conn.push(denial); err != nil {
			g.drop(conn, "slow consumer")
		}
		return nil
	}

	switch ev.Type {
	case event.TypeJoinRoom:
		roomID := ev.RoomID
		if roomID == "" {
			roomID = ev.StringField("room_id")
		}
		if roomID == "" {
			g.pushError(conn, ev.ID, "INVALID_EVENT", "room id is required")
			return nil
		}
		if err := g.JoinRoom(ctx, conn, roomID); err != nil {
			if errors.Is(err, ErrNotRoomMember) {
				g.pushError(conn, ev.ID, "NOT_ROOM_MEMBER", "you are not a member of this room")
				return nil
			}
			return err
		}

	case event.TypeSendMessage:
		g.handleSendMessage(conn, ev)

	case event.TypeTypingStart:
		room := conn.Room()
		if room == "" {
			g.pushError(conn, ev.ID, "NO_ROOM", "join a room first")
			return nil
		}
		g.typing.StartTyping(room, conn.userID, conn.userName)

	case event.TypeTypingStop:
		if room := conn.Room(); room != "" {
			g.typing.StopTyping(room, conn.userID)
		}

	case event.TypeSendReaction:
		g.handleSendReaction(conn, ev)

	case event.TypeMessageRead:
		g.handleMessageRead(conn, ev)

	case event.TypeHeartbeat:
		if room := conn.Room(); room != "" {
			g.presence.Heartbeat(room, conn.userID, conn.deviceID)
		}
		ack := event.New(uuid.New().String(), event.TypeHeartbeatAck, conn.Room(), conn.userID, map[string]any{
			"device_id": conn.deviceID,
			"timestamp": time.Now().Unix(),
		})
		if err := conn.push(ack); err != nil {
			g.drop(conn, "slow consumer")
		}

	default:
		g.pushError(conn, ev.ID, "UNSUPPORTED_EVENT", fmt.Sprintf("clients cannot send %s", ev.Type))
	}
	return nil
}

func (g *Gateway) handleSendMessage(conn *Connection, ev event.Event) {
	room := conn.Room()
	if room == "" {
		g.pushError(conn, ev.ID, "NO_ROOM", "join a room first")
		return
	}

	msgID := ev.StringField("message_id")
	if msgID == "" {
		msgID = ev.ID
	}
	text := ev.StringField("text")
	if text == "" {
		g.pushError(conn, ev.ID, "INVALID_MESSAGE", "message text is required")
		return
	}
	msgType := ev.StringField("message_type")
	if msgType == "" {
		msgType = "text"
	}

	out := event.New(msgID, event.TypeMessage, room, conn.userID, map[string]any{
		"message_id":   msgID,
		"text":         text,
		"message_type": msgType,
		"user_name":    conn.userName,
	})
	g.broadcast(room, out)

	// The delivery ack goes to the sender only, never to the room.
	ack := event.New(uuid.New().String(), event.TypeMessageDelivered, room, conn.userID, map[string]any{
		"message_id": msgID,
		"timestamp":  time.Now().Unix(),
	})
	if err := conn.push(ack); err != nil {
		g.drop(conn, "slow consumer")
	}
}

func (g *Gateway) handleSendReaction(conn *Connection, ev event.Event) {
	room := conn.Room()
	if room == "" {
		g.pushError(conn, ev.ID, "NO_ROOM", "join a room first")
		return
	}
	msgID := ev.StringField("message_id")
	emoji := ev.StringField("emoji")
	if msgID == "" || emoji == "" {
		g.pushError(conn, ev.ID, "INVALID_REACTION", "message id and emoji are required")
		return
	}

	out := event.New(uuid.New().String(), event.TypeReaction, room, conn.userID, map[string]any{
		"message_id": msgID,
		"emoji":      emoji,
		"user_name":  conn.userName,
	})
	g.broadcast(room, out)
}

func (g *Gateway) handleMessageRead(conn *Connection, ev event.Event) {
	room := conn.Room()
	if room == "" {
		return
	}
	msgID := ev.StringField("message_id")
	if msgID == "" {
		g.pushError(conn, ev.ID, "INVALID_EVENT", "message id is required")
		return
	}

	out := event.New(uuid.New().String(), event.TypeMessageRead, room, conn.userID, map[string]any{
		"message_id": msgID,
		"reader_id":  conn.userID,
	})
	g.broadcast(room, out)
}

// Disconnect tears the connection down: membership, presence grace
// transition, typing cleanup. Timer cancellation inside the coordinators is
// synchronous with this call.
func (g *Gateway) Disconnect(conn *Connection, reason string) {
	g.mu.Lock()
	_, known := g.conns[conn.id]
	delete(g.conns, conn.id)
	g.mu.Unlock()
	if !known {
		return
	}

	if room := conn.Room(); room != "" {
		g.leaveRoom(conn, room)
	}
	conn.close()

	g.logger.Info("Connection closed", "connID", conn.id, "userID", conn.userID, "reason", reason)
}

func (g *Gateway) drop(conn *Connection, reason string) {
	go g.Disconnect(conn, reason)
}

// broadcast delivers to local room members (excluding the sender) and hands
// the event to the fan-out adapter for members on other processes.
func (g *Gateway) broadcast(room string, ev event.Event) {
	g.deliverLocal(room, ev)
	g.mu.RLock()
	p := g.fanout
	g.mu.RUnlock()
	if p != nil {
		p.Publish(room, ev)
	}
}

// deliverLocal pushes an event to every locally connected member of the room
// except the event's subject. Events flow in dispatch order, so local members
// observe a single sender's stream in emission order.
func (g *Gateway) deliverLocal(room string, ev event.Event) {
	g.mu.RLock()
	members := make([]*Connection, 0, len(g.roomConns[room]))
	for _, conn := range g.roomConns[room] {
		members = append(members, conn)
	}
	g.mu.RUnlock()

	for _, conn := range members {
		if conn.userID == ev.UserID {
			continue
		}
		if err := conn.push(ev); err != nil {
			g.logger.Warn("Dropping slow consumer", "connID", conn.id, "userID", conn.userID)
			g.drop(conn, "slow consumer")
		}
	}
}

// DeliverRemote is the fan-out adapter's entry point for events replicated
// from other processes.
func (g *Gateway) DeliverRemote(room string, ev event.Event) {
	g.deliverLocal(room, ev)
}

// Run pumps coordinator emissions (typing indicators, presence updates) to
// room members and to the fan-out adapter until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case ev := <-g.typing.Events():
			g.broadcast(ev.RoomID, ev)
		case ev := <-g.presence.Events():
			g.broadcast(ev.RoomID, ev)
		case <-ctx.Done():
			return
		}
	}
}

// ResetUser is the administrative rate-limit override.
func (g *Gateway) ResetUser(userID string) {
	g.limiter.ResetUser(userID)
	g.logger.Info("Rate limits reset", "userID", userID)
}

// RateLimitHeaders exposes the read-only limit view for a user.
func (g *Gateway) RateLimitHeaders(userID, category string) ratelimit.Headers {
	return g.limiter.GetHeaders(userID, category)
}

// Stats aggregates the liveness view across components.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	users := make(map[string]bool, len(g.conns))
	for _, conn := range g.conns {
		users[conn.userID] = true
	}
	connections := len(g.conns)
	rooms := len(g.roomConns)
	p := g.fanout
	g.mu.RUnlock()

	records, _ := g.presence.Stats()
	mode := string(fanout.ModeLocalOnly)
	if p != nil {
		mode = string(p.Mode())
	}

	return Stats{
		Connections:      connections,
		ConnectedUsers:   len(users),
		ActiveRooms:      rooms,
		RateLimitBuckets: g.limiter.BucketCount(),
		TypingStates:     g.typing.ActiveCount(),
		PresenceRecords:  records,
		FanoutMode:       mode,
	}
}

// categoryFor maps an event type onto its rate-limit bucket class.
func categoryFor(t event.Type) string {
	switch t {
	case event.TypeSendMessage:
		return ratelimit.CategoryMessage
	case event.TypeTypingStart, event.TypeTypingStop:
		return ratelimit.CategoryTyping
	case event.TypeSendReaction:
		return ratelimit.CategoryReaction
	default:
		return ratelimit.CategoryConnection
	}
}

func (g *Gateway) pushError(conn *Connection, eventID, code, message string) {
	if eventID == "" {
		eventID = uuid.New().String()
	}
	if err := conn.push(event.NewError(eventID, conn.userID, code, message)); err != nil {
		g.drop(conn, "slow consumer")
	}
}

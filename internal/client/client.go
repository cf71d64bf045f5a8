package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"twinlink/internal/event"

	"github.com/google/uuid"
)

// State is the agent's connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrPolicyClose marks a server-initiated close for policy reasons
// (bad credential, connection throttling). Automatic reconnection is
// suppressed after it; the application must re-authenticate and call
// Connect again.
var ErrPolicyClose = errors.New("server closed the connection for policy reasons")

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("not connected")

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
	eventBuffer   = 256
)

// Session is one live wire connection.
type Session interface {
	Send(ev event.Event) error
	// Events yields inbound events until the session dies, then closes.
	Events() <-chan event.Event
	// CloseReason reports why Events closed. ErrPolicyClose suppresses
	// automatic reconnection.
	CloseReason() error
	Close() error
}

// Dialer opens sessions. Injected so tests can run without a network.
type Dialer interface {
	Dial(ctx context.Context, url, token, deviceID string) (Session, error)
}

// Agent is the client-side counterpart of the gateway: it owns the
// connection lifecycle, replays the offline queue after reconnects, and
// de-duplicates inbound messages.
type Agent struct {
	dialer   Dialer
	url      string
	token    string
	deviceID string
	queue    *Queue
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	sess  Session
	room  string

	events chan event.Event
	states chan State

	backoffBase time.Duration
	backoffCap  time.Duration

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

func New(dialer Dialer, url, token, deviceID string, queue *Queue, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		dialer:   dialer,
		url:      url,
		token:    token,
		deviceID: deviceID,
		queue:    queue,
		logger:   logger,
		state:    StateDisconnected,
		events:   make(chan event.Event, eventBuffer),
		states:   make(chan State, 16),

		backoffBase: reconnectBase,
		backoffCap:  reconnectCap,
	}
}

// Events yields inbound events after de-duplication.
func (a *Agent) Events() <-chan event.Event {
	return a.events
}

// States yields lifecycle transitions for UI display.
func (a *Agent) States() <-chan State {
	return a.states
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()

	select {
	case a.states <- s:
	default:
	}
	a.logger.Debug("Connection state changed", "state", string(s))
}

// Connect establishes the initial session. It is never called
// automatically: the application decides when credentials are ready.
// A failed initial connect returns the error without scheduling
// retries; only drops of an established session reconnect on their own.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.setState(StateConnecting)

	sess, err := a.dialer.Dial(ctx, a.url, a.token, a.deviceID)
	if err != nil {
		a.setState(StateDisconnected)
		return err
	}

	lifeCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.sess = sess
	a.lifeCtx = lifeCtx
	a.lifeCancel = cancel
	a.mu.Unlock()

	a.setState(StateConnected)
	go a.readLoop(lifeCtx, sess)

	// A fresh session may still owe the server queued messages from a
	// previous run.
	a.resync(sess)
	return nil
}

// Close tears the agent down. No reconnection follows.
func (a *Agent) Close() error {
	a.mu.Lock()
	sess := a.sess
	cancel := a.lifeCancel
	a.sess = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Close()
	}
	a.setState(StateDisconnected)
	return nil
}

// JoinRoom asks the server for room admission and remembers the room
// for automatic re-join after a reconnect.
func (a *Agent) JoinRoom(roomID string) error {
	a.mu.Lock()
	a.room = roomID
	sess := a.sess
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected || sess == nil {
		return ErrNotConnected
	}
	return sess.Send(event.New(uuid.New().String(), event.TypeJoinRoom, roomID, "", nil))
}

// SendMessage records the message as pending and attempts transmission.
// While disconnected the message stays in the durable queue and replays
// after the next reconnect. The returned id identifies the message in
// later delivery acknowledgements.
func (a *Agent) SendMessage(text string) (string, error) {
	a.mu.Lock()
	room := a.room
	sess := a.sess
	connected := a.state == StateConnected
	a.mu.Unlock()

	msg := OutboxMessage{
		ID:          uuid.New().String(),
		RoomID:      room,
		Text:        text,
		MessageType: "text",
		QueuedAt:    time.Now(),
	}

	if a.queue != nil {
		if err := a.queue.Enqueue(msg); err != nil {
			return "", err
		}
	}

	if !connected || sess == nil {
		a.logger.Debug("Offline, message queued", "messageID", msg.ID)
		return msg.ID, nil
	}

	if err := a.transmit(sess, msg); err != nil {
		// Keep it queued; the reconnect replay will pick it up.
		a.logger.Debug("Transmit failed, message stays queued", "messageID", msg.ID, "error", err)
		return msg.ID, nil
	}
	return msg.ID, nil
}

// transmit sends one outbox message and removes it from the queue. The
// queue entry dies on transmission, not on acknowledgement: delivery is
// a separate flag updated when message_delivered arrives.
func (a *Agent) transmit(sess Session, msg OutboxMessage) error {
	ev := event.New(msg.ID, event.TypeSendMessage, msg.RoomID, "", map[string]any{
		"message_id":   msg.ID,
		"text":         msg.Text,
		"message_type": msg.MessageType,
	})
	if err := sess.Send(ev); err != nil {
		return err
	}
	if a.queue != nil {
		if err := a.queue.Delete(msg.ID); err != nil {
			a.logger.Error("Failed to remove transmitted message from queue", "messageID", msg.ID, "error", err)
		}
	}
	return nil
}

// resync re-joins the last room and replays the offline queue in its
// original order.
func (a *Agent) resync(sess Session) {
	a.mu.Lock()
	room := a.room
	a.mu.Unlock()

	if room != "" {
		if err := sess.Send(event.New(uuid.New().String(), event.TypeJoinRoom, room, "", nil)); err != nil {
			a.logger.Error("Re-join failed", "roomID", room, "error", err)
			return
		}
	}

	if a.queue == nil {
		return
	}
	if err := a.queue.PruneSeen(24 * time.Hour); err != nil {
		a.logger.Debug("Seen-set prune failed", "error", err)
	}
	pending, err := a.queue.Pending()
	if err != nil {
		a.logger.Error("Failed to read offline queue", "error", err)
		return
	}
	for _, msg := range pending {
		if err := a.transmit(sess, msg); err != nil {
			a.logger.Error("Replay failed, stopping", "messageID", msg.ID, "error", err)
			return
		}
	}
	if len(pending) > 0 {
		a.logger.Info("Offline queue replayed", "count", len(pending))
	}
}

func (a *Agent) readLoop(ctx context.Context, sess Session) {
	for ev := range sess.Events() {
		a.handleInbound(ev)
	}

	select {
	case <-ctx.Done():
		// Deliberate shutdown, not a drop.
		return
	default:
	}

	reason := sess.CloseReason()
	if errors.Is(reason, ErrPolicyClose) {
		a.logger.Warn("Server closed the connection for policy reasons, not reconnecting", "error", reason)
		a.setState(StateDisconnected)
		return
	}

	a.logger.Info("Connection dropped, reconnecting", "error", reason)
	a.setState(StateReconnecting)
	a.reconnectLoop(ctx)
}

// reconnectLoop redials with doubling delay until it succeeds or the
// agent is closed.
func (a *Agent) reconnectLoop(ctx context.Context) {
	delay := a.backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		sess, err := a.dialer.Dial(ctx, a.url, a.token, a.deviceID)
		if err != nil {
			a.logger.Debug("Reconnect attempt failed", "delay", delay, "error", err)
			delay *= 2
			if delay > a.backoffCap {
				delay = a.backoffCap
			}
			continue
		}

		a.mu.Lock()
		a.sess = sess
		a.mu.Unlock()
		a.setState(StateConnected)

		go a.readLoop(ctx, sess)
		a.resync(sess)
		return
	}
}

// handleInbound de-duplicates and forwards one server event.
// Reconnection plus fan-out replication can redeliver a message, so
// message ids are checked against the durable seen set first.
func (a *Agent) handleInbound(ev event.Event) {
	switch ev.Type {
	case event.TypeMessage:
		if a.queue != nil {
			seen, err := a.queue.Seen(ev.ID)
			if err == nil && seen {
				a.logger.Debug("Duplicate message suppressed", "messageID", ev.ID)
				return
			}
			if err := a.queue.RecordSeen(ev.ID); err != nil {
				a.logger.Error("Failed to record seen message", "messageID", ev.ID, "error", err)
			}
		}

	case event.TypeMessageDelivered:
		if a.queue != nil {
			if id := ev.StringField("message_id"); id != "" {
				if err := a.queue.MarkDelivered(id); err != nil {
					a.logger.Error("Failed to record delivery", "messageID", id, "error", err)
				}
			}
		}
	}

	select {
	case a.events <- ev:
	default:
		a.logger.Warn("Application not draining events, dropping", "type", ev.Type)
	}
}

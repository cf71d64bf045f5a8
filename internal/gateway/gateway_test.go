package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"twinlink/internal/config"
	"twinlink/internal/event"
	"twinlink/internal/fanout"
	"twinlink/internal/identity"
	"twinlink/internal/membership"
	"twinlink/internal/presence"
	"twinlink/internal/ratelimit"
	"twinlink/internal/typing"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "gateway-test-secret"

type harness struct {
	gw     *Gateway
	rooms  *membership.StaticAuthorizer
	cancel context.CancelFunc
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Presence.GracePeriod = grace

	dir := identity.NewStaticDirectory(
		identity.Account{ID: "user-a", Name: "Ada", ContactVerified: true},
		identity.Account{ID: "user-b", Name: "Ben", ContactVerified: true},
		identity.Account{ID: "user-locked", Name: "Lou", Locked: true},
	)
	auth := identity.NewAuthenticator(identity.NewVerifier(testSecret), dir, false)
	rooms := membership.NewStaticAuthorizer()
	rooms.Add("room-ab", "user-a", "user-b")

	limiter := ratelimit.New(cfg.RateLimit, nil)
	typingCoord := typing.New(config.TypingConfig{
		Debounce:      20 * time.Millisecond,
		Inactivity:    time.Hour,
		SweepInterval: time.Hour,
	}, nil)
	presenceCoord := presence.New(cfg.Presence, nil, nil)

	gw := New(auth, rooms, limiter, typingCoord, presenceCoord, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	t.Cleanup(cancel)

	return &harness{gw: gw, rooms: rooms, cancel: cancel}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":   userID,
		"user_name": userID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func connect(t *testing.T, h *harness, userID, deviceID string) *Connection {
	t.Helper()
	conn, err := h.gw.Connect(context.Background(), token(t, userID), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func join(t *testing.T, h *harness, conn *Connection, roomID string) {
	t.Helper()
	if err := h.gw.JoinRoom(context.Background(), conn, roomID); err != nil {
		t.Fatal(err)
	}
}

// receive waits for the next event of the wanted type, discarding others.
func receive(t *testing.T, conn *Connection, want event.Type, window time.Duration) event.Event {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev := <-conn.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// quiet asserts no event of the given type arrives within the window.
func quiet(t *testing.T, conn *Connection, banned event.Type, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev := <-conn.Events():
			if ev.Type == banned {
				t.Fatalf("unexpected %s event: %+v", banned, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestConnectAuthFailures(t *testing.T) {
	h := newHarness(t, time.Hour)

	t.Run("Malformed", func(t *testing.T) {
		_, err := h.gw.Connect(context.Background(), "garbage", "phone")
		if !errors.Is(err, identity.ErrTokenMalformed) {
			t.Errorf("expected ErrTokenMalformed, got %v", err)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := h.gw.Connect(context.Background(), token(t, "ghost"), "phone")
		if !errors.Is(err, identity.ErrUnknownUser) {
			t.Errorf("expected ErrUnknownUser, got %v", err)
		}
	})

	t.Run("LockedAccount", func(t *testing.T) {
		_, err := h.gw.Connect(context.Background(), token(t, "user-locked"), "phone")
		if !errors.Is(err, identity.ErrAccountLocked) {
			t.Errorf("expected ErrAccountLocked, got %v", err)
		}
	})
}

func TestConnectRateLimited(t *testing.T) {
	h := newHarness(t, time.Hour)

	// Connection bucket capacity is 5.
	for i := 0; i < 5; i++ {
		connect(t, h, "user-a", "phone")
	}
	_, err := h.gw.Connect(context.Background(), token(t, "user-a"), "phone")

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", rl.Result.Remaining)
	}
}

func TestJoinRoomDeniedForNonMember(t *testing.T) {
	h := newHarness(t, time.Hour)
	conn := connect(t, h, "user-a", "phone")

	err := h.gw.JoinRoom(context.Background(), conn, "someone-elses-room")
	if !errors.Is(err, ErrNotRoomMember) {
		t.Fatalf("expected ErrNotRoomMember, got %v", err)
	}

	// The connection survives an authorization failure.
	select {
	case <-conn.Done():
		t.Error("connection must stay open after a join denial")
	default:
	}
}

func TestJoinRoomImplicitlyLeavesPrevious(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.rooms.Add("room-2", "user-a")

	conn := connect(t, h, "user-a", "phone")
	join(t, h, conn, "room-ab")
	join(t, h, conn, "room-2")

	if conn.Room() != "room-2" {
		t.Errorf("expected room-2, got %s", conn.Room())
	}

	stats := h.gw.Stats()
	if stats.ActiveRooms != 1 {
		t.Errorf("expected 1 active room after implicit leave, got %d", stats.ActiveRooms)
	}
}

func TestMessageDeliveryScenario(t *testing.T) {
	h := newHarness(t, time.Hour)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")

	send := event.New("m1", event.TypeSendMessage, "room-ab", "user-a", map[string]any{
		"message_id": "m1",
		"text":       "hi",
	})
	if err := h.gw.Dispatch(context.Background(), connA, send); err != nil {
		t.Fatal(err)
	}

	// B receives the message with the original id.
	msg := receive(t, connB, event.TypeMessage, time.Second)
	if msg.ID != "m1" || msg.StringField("text") != "hi" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.UserID != "user-a" {
		t.Errorf("message should carry the sender, got %s", msg.UserID)
	}

	// A receives the delivery ack, and never their own message.
	ack := receive(t, connA, event.TypeMessageDelivered, time.Second)
	if ack.StringField("message_id") != "m1" {
		t.Errorf("ack should reference m1, got %+v", ack)
	}
	quiet(t, connA, event.TypeMessage, 50*time.Millisecond)
}

func TestDeliveryAckNotBroadcast(t *testing.T) {
	h := newHarness(t, time.Hour)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")

	send := event.New("m2", event.TypeSendMessage, "room-ab", "user-a", map[string]any{"text": "hey"})
	if err := h.gw.Dispatch(context.Background(), connA, send); err != nil {
		t.Fatal(err)
	}

	quiet(t, connB, event.TypeMessageDelivered, 50*time.Millisecond)
}

func TestDispatchRateLimitedAnswersSenderOnly(t *testing.T) {
	h := newHarness(t, time.Hour)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")

	// Drain the message bucket (capacity 100), then overflow it.
	for i := 0; i < 100; i++ {
		ev := event.New("flood", event.TypeSendMessage, "room-ab", "user-a", map[string]any{"text": "x"})
		if err := h.gw.Dispatch(context.Background(), connA, ev); err != nil {
			t.Fatal(err)
		}
		// Keep the outbound buffers from filling with acks.
		drainNonBlocking(connA)
		drainNonBlocking(connB)
	}

	over := event.New("flood", event.TypeSendMessage, "room-ab", "user-a", map[string]any{"text": "x"})
	if err := h.gw.Dispatch(context.Background(), connA, over); err != nil {
		t.Fatal(err)
	}

	denial := receive(t, connA, event.TypeRateLimited, time.Second)
	if denial.Data["remaining"] != 0 {
		t.Errorf("expected remaining 0, got %v", denial.Data["remaining"])
	}
	if denial.StringField("event") != string(event.TypeSendMessage) {
		t.Errorf("denial should name the throttled event, got %v", denial.Data["event"])
	}

	quiet(t, connB, event.TypeRateLimited, 50*time.Millisecond)
}

func drainNonBlocking(conn *Connection) {
	for {
		select {
		case <-conn.Events():
		default:
			return
		}
	}
}

func TestTypingIndicatorFlow(t *testing.T) {
	h := newHarness(t, time.Hour)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")

	start := event.New("t1", event.TypeTypingStart, "room-ab", "user-a", nil)
	if err := h.gw.Dispatch(context.Background(), connA, start); err != nil {
		t.Fatal(err)
	}

	ev := receive(t, connB, event.TypeTypingStart, time.Second)
	if ev.UserID != "user-a" {
		t.Errorf("typing indicator should carry the typist, got %s", ev.UserID)
	}

	// The typist never sees their own indicator.
	quiet(t, connA, event.TypeTypingStart, 50*time.Millisecond)

	stop := event.New("t2", event.TypeTypingStop, "room-ab", "user-a", nil)
	if err := h.gw.Dispatch(context.Background(), connA, stop); err != nil {
		t.Fatal(err)
	}
	receive(t, connB, event.TypeTypingStop, time.Second)
}

func TestDisconnectClearsTyping(t *testing.T) {
	h := newHarness(t, time.Hour)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")

	start := event.New("t1", event.TypeTypingStart, "room-ab", "user-a", nil)
	if err := h.gw.Dispatch(context.Background(), connA, start); err != nil {
		t.Fatal(err)
	}
	receive(t, connB, event.TypeTypingStart, time.Second)

	h.gw.Disconnect(connA, "peer went away")

	// No orphaned indicator: the peer sees an explicit stop.
	receive(t, connB, event.TypeTypingStop, time.Second)
}

func TestHeartbeatAck(t *testing.T) {
	h := newHarness(t, time.Hour)

	conn := connect(t, h, "user-a", "phone")
	join(t, h, conn, "room-ab")

	hb := event.New("h1", event.TypeHeartbeat, "room-ab", "user-a", nil)
	if err := h.gw.Dispatch(context.Background(), conn, hb); err != nil {
		t.Fatal(err)
	}

	ack := receive(t, conn, event.TypeHeartbeatAck, time.Second)
	if ack.StringField("device_id") != "phone" {
		t.Errorf("ack should name the device, got %+v", ack)
	}
}

func TestGracePeriodReconnectScenario(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")
	drainNonBlocking(connA)

	// B drops and returns inside the grace window.
	h.gw.Disconnect(connB, "network blip")
	time.Sleep(50 * time.Millisecond)
	connB2 := connect(t, h, "user-b", "phone")
	join(t, h, connB2, "room-ab")

	// A never learns B was gone.
	deadline := time.After(400 * time.Millisecond)
	for {
		select {
		case ev := <-connA.Events():
			if ev.Type == event.TypePresence && ev.StringField("status") == "offline" {
				t.Fatal("reconnect within grace must be invisible to the peer")
			}
		case <-deadline:
			return
		}
	}
}

func TestDuplicateDeviceIDConnectionsStayOnline(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond)

	connA := connect(t, h, "user-a", "phone")
	connB1 := connect(t, h, "user-b", "tab")
	connB2 := connect(t, h, "user-b", "tab")
	join(t, h, connA, "room-ab")
	join(t, h, connB1, "room-ab")
	join(t, h, connB2, "room-ab")
	drainNonBlocking(connA)

	// One of two connections sharing a device id closes.
	h.gw.Disconnect(connB1, "tab closed")

	// Well past the grace window, the peer must not see B go offline.
	deadline := time.After(250 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-connA.Events():
			if ev.Type == event.TypePresence && ev.StringField("status") == "offline" {
				t.Fatal("peer saw offline while a duplicate-device connection was still live")
			}
		case <-deadline:
			done = true
		}
	}

	if h.gw.Stats().Connections != 2 {
		t.Errorf("expected 2 live connections, got %d", h.gw.Stats().Connections)
	}

	// B can still be reached through the surviving connection.
	send := event.New("m1", event.TypeSendMessage, "room-ab", "user-a", map[string]any{"text": "hi"})
	if err := h.gw.Dispatch(context.Background(), connA, send); err != nil {
		t.Fatal(err)
	}
	receive(t, connB2, event.TypeMessage, time.Second)
}

func TestGraceExpiryNotifiesPeerOnce(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")
	drainNonBlocking(connA)

	h.gw.Disconnect(connB, "gone for good")

	offline := 0
	deadline := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-connA.Events():
			if ev.Type == event.TypePresence && ev.StringField("status") == "offline" {
				offline++
			}
		case <-deadline:
			done = true
		}
	}
	if offline != 1 {
		t.Errorf("expected exactly one offline notification, got %d", offline)
	}
}

// failingBroadcaster refuses every operation, simulating an unreachable
// broadcast store.
type failingBroadcaster struct{}

func (failingBroadcaster) Publish(context.Context, string, []byte) error {
	return errors.New("store unreachable")
}
func (failingBroadcaster) Subscribe(context.Context) (<-chan fanout.Message, error) {
	return nil, errors.New("store unreachable")
}
func (failingBroadcaster) Ping(context.Context) error { return errors.New("store unreachable") }
func (failingBroadcaster) Close() error               { return nil }

func TestLocalDeliverySurvivesDeadBroadcastStore(t *testing.T) {
	h := newHarness(t, time.Hour)

	adapter := fanout.New("proc-test", failingBroadcaster{}, h.gw.DeliverRemote, time.Hour, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter.Start(ctx)
	defer adapter.Stop()
	h.gw.AttachFanout(adapter)

	connA := connect(t, h, "user-a", "phone")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connB, "room-ab")

	send := event.New("m1", event.TypeSendMessage, "room-ab", "user-a", map[string]any{"text": "hi"})
	if err := h.gw.Dispatch(context.Background(), connA, send); err != nil {
		t.Fatal(err)
	}

	// Same-process members still get the message; the adapter merely reports
	// the degraded mode.
	receive(t, connB, event.TypeMessage, time.Second)
	if h.gw.Stats().FanoutMode != string(fanout.ModeLocalOnly) {
		t.Errorf("expected local-only mode, got %s", h.gw.Stats().FanoutMode)
	}
}

func TestRemoteEventsReachLocalMembers(t *testing.T) {
	h := newHarness(t, time.Hour)

	connB := connect(t, h, "user-b", "phone")
	join(t, h, connB, "room-ab")

	// An event replicated from another process is delivered locally.
	remote := event.New("m9", event.TypeMessage, "room-ab", "user-a", map[string]any{"text": "from afar"})
	h.gw.DeliverRemote("room-ab", remote)

	msg := receive(t, connB, event.TypeMessage, time.Second)
	if msg.ID != "m9" {
		t.Errorf("expected remote message m9, got %s", msg.ID)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, time.Hour)

	connA := connect(t, h, "user-a", "phone")
	connA2 := connect(t, h, "user-a", "tablet")
	connB := connect(t, h, "user-b", "phone")
	join(t, h, connA, "room-ab")
	join(t, h, connA2, "room-ab")
	join(t, h, connB, "room-ab")

	stats := h.gw.Stats()
	if stats.Connections != 3 {
		t.Errorf("expected 3 connections, got %d", stats.Connections)
	}
	if stats.ConnectedUsers != 2 {
		t.Errorf("expected 2 users, got %d", stats.ConnectedUsers)
	}
	if stats.ActiveRooms != 1 {
		t.Errorf("expected 1 room, got %d", stats.ActiveRooms)
	}
	if stats.FanoutMode != string(fanout.ModeLocalOnly) {
		t.Errorf("gateway without adapter should report local-only, got %s", stats.FanoutMode)
	}
}

func TestAdminReset(t *testing.T) {
	h := newHarness(t, time.Hour)
	conn := connect(t, h, "user-a", "phone")
	join(t, h, conn, "room-ab")

	for i := 0; i < 150; i++ {
		ev := event.New("flood", event.TypeSendMessage, "room-ab", "user-a", map[string]any{"text": "x"})
		_ = h.gw.Dispatch(context.Background(), conn, ev)
		drainNonBlocking(conn)
	}

	h.gw.ResetUser("user-a")

	headers := h.gw.RateLimitHeaders("user-a", ratelimit.CategoryMessage)
	if headers.Remaining != headers.Limit {
		t.Errorf("reset should restore full capacity, got %d/%d", headers.Remaining, headers.Limit)
	}
}

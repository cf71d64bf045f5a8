package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"twinlink/internal/event"
)

// fakeBroadcaster is an in-memory stand-in for the broadcast store with a
// switchable failure mode.
type fakeBroadcaster struct {
	mu        sync.Mutex
	failing   bool
	published []Message
	subCh     chan Message
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{subCh: make(chan Message, 64)}
}

func (f *fakeBroadcaster) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeBroadcaster) Publish(_ context.Context, room string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store unreachable")
	}
	f.published = append(f.published, Message{Room: room, Payload: payload})
	return nil
}

func (f *fakeBroadcaster) Subscribe(_ context.Context) (<-chan Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("store unreachable")
	}
	return f.subCh, nil
}

func (f *fakeBroadcaster) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store unreachable")
	}
	return nil
}

func (f *fakeBroadcaster) Close() error { return nil }

func (f *fakeBroadcaster) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeBroadcaster) publishedAt(i int) Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[i]
}

// inject simulates a message arriving from another process.
func (f *fakeBroadcaster) inject(origin, room string, ev event.Event) {
	payload, _ := json.Marshal(Envelope{Origin: origin, Event: ev})
	f.subCh <- Message{Room: room, Payload: payload}
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) deliver(_ string, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) at(i int) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartEntersDistributedMode(t *testing.T) {
	store := newFakeBroadcaster()
	a := New("proc-1", store, (&recorder{}).deliver, time.Hour, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if a.Mode() != ModeDistributed {
		t.Fatalf("expected distributed mode, got %s", a.Mode())
	}
}

func TestPublishReachesStoreInOrder(t *testing.T) {
	store := newFakeBroadcaster()
	a := New("proc-1", store, (&recorder{}).deliver, time.Hour, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	for i := 0; i < 20; i++ {
		ev := event.New(fmt.Sprintf("m%d", i), event.TypeMessage, "room-1", "alice", nil)
		a.Publish("room-1", ev)
	}

	waitFor(t, func() bool { return store.publishedCount() == 20 },
		"store never received all published events")

	for i := 0; i < 20; i++ {
		var env Envelope
		if err := json.Unmarshal(store.publishedAt(i).Payload, &env); err != nil {
			t.Fatal(err)
		}
		if env.Event.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("publisher stream reordered: position %d holds %s", i, env.Event.ID)
		}
		if env.Origin != "proc-1" {
			t.Errorf("envelope should carry origin, got %q", env.Origin)
		}
	}
}

func TestRemoteEventsAreDelivered(t *testing.T) {
	store := newFakeBroadcaster()
	rec := &recorder{}
	a := New("proc-1", store, rec.deliver, time.Hour, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	store.inject("proc-2", "room-1", event.New("m1", event.TypeMessage, "room-1", "bob", nil))

	waitFor(t, func() bool { return rec.count() == 1 }, "remote event never delivered")
	if rec.at(0).ID != "m1" {
		t.Errorf("unexpected event %s", rec.at(0).ID)
	}
}

func TestOwnEnvelopesAreSkipped(t *testing.T) {
	store := newFakeBroadcaster()
	rec := &recorder{}
	a := New("proc-1", store, rec.deliver, time.Hour, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	store.inject("proc-1", "room-1", event.New("own", event.TypeMessage, "room-1", "alice", nil))
	store.inject("proc-2", "room-1", event.New("other", event.TypeMessage, "room-1", "bob", nil))

	waitFor(t, func() bool { return rec.count() == 1 }, "remote event never delivered")
	time.Sleep(20 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("origin process must not redeliver its own envelopes, got %d", rec.count())
	}
	if rec.at(0).ID != "other" {
		t.Errorf("expected only the remote event, got %s", rec.at(0).ID)
	}
}

func TestPublishFailureDegradesToLocalOnly(t *testing.T) {
	store := newFakeBroadcaster()
	a := New("proc-1", store, (&recorder{}).deliver, time.Hour, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	store.setFailing(true)
	a.Publish("room-1", event.New("m1", event.TypeMessage, "room-1", "alice", nil))

	waitFor(t, func() bool { return a.Mode() == ModeLocalOnly },
		"publish failure should flip the adapter to local-only")

	// Degraded adapter drops remote replication silently.
	a.Publish("room-1", event.New("m2", event.TypeMessage, "room-1", "alice", nil))
	time.Sleep(20 * time.Millisecond)
	if store.publishedCount() != 0 {
		t.Errorf("degraded adapter must not publish, store saw %d", store.publishedCount())
	}
}

func TestHealthProbeRestoresDistributedMode(t *testing.T) {
	store := newFakeBroadcaster()
	store.setFailing(true)
	a := New("proc-1", store, (&recorder{}).deliver, 20*time.Millisecond, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if a.Mode() != ModeLocalOnly {
		t.Fatalf("store down at startup should mean local-only, got %s", a.Mode())
	}

	store.setFailing(false)

	waitFor(t, func() bool { return a.Mode() == ModeDistributed },
		"health probe never restored distributed mode")
}

func TestStartupWithDeadStoreStaysUp(t *testing.T) {
	store := newFakeBroadcaster()
	store.setFailing(true)
	a := New("proc-1", store, (&recorder{}).deliver, time.Hour, 64, nil)
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	if a.Mode() != ModeLocalOnly {
		t.Fatalf("expected local-only fallback, got %s", a.Mode())
	}
	// Publishing against a dead store is a no-op, not a panic or block.
	a.Publish("room-1", event.New("m1", event.TypeMessage, "room-1", "alice", nil))
}

// Package fanout replicates room events across server processes through an
// external broadcast store. Loss of the store degrades delivery to local-only
// members instead of failing the gateway; a health probe restores distributed
// mode when the store comes back.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"twinlink/internal/event"
)

// Mode reports whether cross-process replication is currently available.
type Mode string

const (
	ModeDistributed Mode = "distributed"
	ModeLocalOnly   Mode = "local-only"
)

// Message is one raw payload received from the broadcast store.
type Message struct {
	Room    string
	Payload []byte
}

// Broadcaster is the external store: Redis pub/sub or NATS. Subscribe covers
// every room channel the process may ever need (wildcard under the hood).
type Broadcaster interface {
	Publish(ctx context.Context, room string, payload []byte) error
	Subscribe(ctx context.Context) (<-chan Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Envelope wraps an event with its origin process so the origin can skip
// redelivering to its own members.
type Envelope struct {
	Origin string      `json:"origin"`
	Event  event.Event `json:"event"`
}

// DeliverFunc hands a replicated event to the local gateway for delivery to
// locally connected members of the room.
type DeliverFunc func(room string, ev event.Event)

type pending struct {
	room    string
	payload []byte
}

// Adapter bridges the gateway to the broadcast store. Publishing is
// fire-and-forget through a buffered queue drained by a single goroutine, so
// a slow store never stalls local delivery and a single sender's stream is
// never reordered.
type Adapter struct {
	origin  string
	store   Broadcaster
	deliver DeliverFunc

	mode     atomic.Value // Mode
	queue    chan pending
	health   time.Duration
	logger   *slog.Logger
	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds an adapter. origin must be unique per process (the process id
// the gateway was started with).
func New(origin string, store Broadcaster, deliver DeliverFunc, healthInterval time.Duration, publishBuffer int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if publishBuffer <= 0 {
		publishBuffer = 1024
	}
	a := &Adapter{
		origin:  origin,
		store:   store,
		deliver: deliver,
		queue:   make(chan pending, publishBuffer),
		health:  healthInterval,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	a.mode.Store(ModeLocalOnly)
	return a
}

// Mode reports the current delivery mode.
func (a *Adapter) Mode() Mode {
	return a.mode.Load().(Mode)
}

// Start subscribes to the store and launches the publish and health loops.
// A store that is down at startup leaves the adapter in local-only mode; the
// health loop keeps trying.
func (a *Adapter) Start(ctx context.Context) {
	if err := a.subscribe(ctx); err != nil {
		a.logger.Warn("Broadcast store unavailable at startup, running local-only", "error", err)
	}

	go a.publishLoop(ctx)
	go a.healthLoop(ctx)
}

// Stop shuts the adapter down and closes the store connection.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopped)
		if err := a.store.Close(); err != nil {
			a.logger.Debug("Error closing broadcast store", "error", err)
		}
	})
}

// Publish enqueues an event for cross-process replication. Never blocks: if
// the queue is full the event is dropped for remote members (local members
// already got it from the gateway) and the drop is logged.
func (a *Adapter) Publish(room string, ev event.Event) {
	if a.Mode() != ModeDistributed {
		return
	}

	payload, err := json.Marshal(Envelope{Origin: a.origin, Event: ev})
	if err != nil {
		a.logger.Error("Failed to encode fan-out envelope", "room", room, "error", err)
		return
	}

	select {
	case a.queue <- pending{room: room, payload: payload}:
	default:
		a.logger.Warn("Fan-out publish queue full, dropping event for remote members",
			"room", room, "event", ev.Type)
	}
}

// publishLoop is the single writer towards the store, preserving per-sender
// ordering.
func (a *Adapter) publishLoop(ctx context.Context) {
	for {
		select {
		case p := <-a.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := a.store.Publish(pubCtx, p.room, p.payload)
			cancel()
			if err != nil {
				a.degrade(err)
			}
		case <-ctx.Done():
			return
		case <-a.stopped:
			return
		}
	}
}

// subscribe wires the store's wildcard subscription into local delivery.
func (a *Adapter) subscribe(ctx context.Context) error {
	msgs, err := a.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to broadcast store: %w", err)
	}

	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					a.degrade(fmt.Errorf("broadcast subscription closed"))
					return
				}
				a.receive(msg)
			case <-ctx.Done():
				return
			case <-a.stopped:
				return
			}
		}
	}()

	if a.mode.CompareAndSwap(ModeLocalOnly, ModeDistributed) {
		a.logger.Info("Fan-out mode changed", "mode", ModeDistributed)
	}
	return nil
}

// receive decodes an envelope from the store and hands it to local delivery,
// skipping envelopes this process published itself.
func (a *Adapter) receive(msg Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		a.logger.Error("Failed to decode fan-out envelope", "room", msg.Room, "error", err)
		return
	}
	if env.Origin == a.origin {
		return
	}
	a.deliver(msg.Room, env.Event)
}

// degrade flips to local-only mode. The health loop owns recovery.
func (a *Adapter) degrade(err error) {
	if a.mode.CompareAndSwap(ModeDistributed, ModeLocalOnly) {
		a.logger.Warn("Fan-out mode changed", "mode", ModeLocalOnly, "error", err)
	}
}

// healthLoop probes the store while degraded and resubscribes on recovery.
func (a *Adapter) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(a.health)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.Mode() == ModeDistributed {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := a.store.Ping(pingCtx)
			cancel()
			if err != nil {
				a.logger.Debug("Broadcast store still unreachable", "error", err)
				continue
			}
			if err := a.subscribe(ctx); err != nil {
				a.logger.Debug("Broadcast store resubscribe failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-a.stopped:
			return
		}
	}
}

// Package typing coordinates typing indicators per (room, user): immediate
// announcement on first keystroke, debounced coalescing of rapid repeats, and
// an inactivity timeout that converts silence into an implicit stop.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"twinlink/internal/config"
	"twinlink/internal/event"

	"github.com/google/uuid"
)

type stateKey struct {
	room string
	user string
}

// state tracks one user's typing activity in one room. Both timers are owned
// by the record; gen guards against a timer firing after its state was
// replaced or removed.
type state struct {
	userName     string
	startedAt    time.Time
	lastActivity time.Time
	announced    bool
	debounce     *time.Timer
	inactivity   *time.Timer
	gen          uint64
}

// Coordinator owns all typing state for a process. Indicator events are
// pushed onto a buffered outbound channel; the gateway drains it and
// replicates to room members.
type Coordinator struct {
	mu     sync.Mutex
	states map[stateKey]*state
	gen    uint64

	debounceWindow time.Duration
	inactivityTTL  time.Duration
	sweepEach      time.Duration

	events chan event.Event
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.TypingConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		states:         make(map[stateKey]*state),
		debounceWindow: cfg.Debounce,
		inactivityTTL:  cfg.Inactivity,
		sweepEach:      cfg.SweepInterval,
		events:         make(chan event.Event, 256),
		logger:         logger,
		now:            time.Now,
	}
}

// Events exposes the outbound indicator stream.
func (c *Coordinator) Events() <-chan event.Event {
	return c.events
}

// StartTyping records activity for (room, user). The first call announces
// immediately; calls arriving inside the debounce window are coalesced into
// at most one deferred announcement. Every call refreshes the inactivity
// timer.
func (c *Coordinator) StartTyping(room, user, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := stateKey{room: room, user: user}

	s, ok := c.states[k]
	if !ok {
		c.gen++
		s = &state{
			userName:     userName,
			startedAt:    now,
			lastActivity: now,
			announced:    true,
			gen:          c.gen,
		}
		c.states[k] = s
		s.inactivity = c.armInactivity(k, s.gen)
		c.emit(event.NewTyping(uuid.New().String(), room, user, userName, true))
		return
	}

	sinceActivity := now.Sub(s.lastActivity)
	s.lastActivity = now
	s.userName = userName

	// Refresh the inactivity deadline on every keystroke.
	if s.inactivity != nil {
		s.inactivity.Stop()
	}
	s.inactivity = c.armInactivity(k, s.gen)

	if sinceActivity < c.debounceWindow {
		// Coalesce: defer any announcement until activity settles.
		if s.debounce != nil {
			s.debounce.Stop()
		}
		s.debounce = c.armDebounce(k, s.gen)
		return
	}

	if !s.announced {
		s.announced = true
		c.emit(event.NewTyping(uuid.New().String(), room, user, userName, true))
	}
}

// StopTyping removes the state and announces typing=false to the room.
func (c *Coordinator) StopTyping(room, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(stateKey{room: room, user: user})
}

// ClearUser drops any typing state the user holds in the given room. Called
// on disconnect so no orphaned indicator stays visible to the peer.
func (c *Coordinator) ClearUser(room, user string) {
	c.StopTyping(room, user)
}

// ClearAllRoomsForUser drops the user's typing state everywhere.
func (c *Coordinator) ClearAllRoomsForUser(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.states {
		if k.user == user {
			c.stopLocked(k)
		}
	}
}

// stopLocked cancels both timers, removes the state and emits the stop
// indicator if the start was ever announced. Caller holds c.mu.
func (c *Coordinator) stopLocked(k stateKey) {
	s, ok := c.states[k]
	if !ok {
		return
	}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if s.inactivity != nil {
		s.inactivity.Stop()
	}
	delete(c.states, k)

	if s.announced {
		c.emit(event.NewTyping(uuid.New().String(), k.room, k.user, s.userName, false))
	}
}

// Sweep force-stops states stale beyond twice the inactivity timeout. Safety
// net against a missed timer.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-2 * c.inactivityTTL)
	removed := 0
	for k, s := range c.states {
		if s.lastActivity.Before(cutoff) {
			c.stopLocked(k)
			removed++
		}
	}
	return removed
}

// Run drives the periodic sweep until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEach)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Warn("Stale typing states swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ActiveCount reports how many typing states are live.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func (c *Coordinator) armInactivity(k stateKey, gen uint64) *time.Timer {
	return time.AfterFunc(c.inactivityTTL, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		s, ok := c.states[k]
		if !ok || s.gen != gen {
			// Superseded or already stopped; a late fire is a no-op.
			return
		}
		c.stopLocked(k)
	})
}

func (c *Coordinator) armDebounce(k stateKey, gen uint64) *time.Timer {
	return time.AfterFunc(c.debounceWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		s, ok := c.states[k]
		if !ok || s.gen != gen {
			return
		}
		s.debounce = nil
		if !s.announced {
			s.announced = true
			c.emit(event.NewTyping(uuid.New().String(), k.room, k.user, s.userName, true))
		}
	})
}

// emit pushes onto the outbound channel without ever blocking a caller.
func (c *Coordinator) emit(ev event.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Typing event dropped, outbound buffer full", "room", ev.RoomID, "user", ev.UserID)
	}
}

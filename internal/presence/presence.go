// Package presence tracks who is visible in a room: heartbeat-refreshed
// online state, grace-period absorption of brief disconnects, and the merge
// of multiple devices into one logical presence per user.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"twinlink/internal/config"
	"twinlink/internal/event"

	"github.com/google/uuid"
)

// Status is a user's outward-facing presence in a room.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Record is the merged presence of one user in one room. Devices maps device
// id to its last heartbeat.
type Record struct {
	Room         string
	User         string
	Status       Status
	LastSeen     time.Time
	Devices      map[string]time.Time
	PendingGrace bool
}

func (r *Record) clone() Record {
	devices := make(map[string]time.Time, len(r.Devices))
	for id, seen := range r.Devices {
		devices[id] = seen
	}
	return Record{
		Room:         r.Room,
		User:         r.User,
		Status:       r.Status,
		LastSeen:     r.LastSeen,
		Devices:      devices,
		PendingGrace: r.PendingGrace,
	}
}

type recordKey struct {
	room string
	user string
}

type entry struct {
	rec        Record
	graceTimer *time.Timer
	gen        uint64

	// refs counts live connections per device id. Two tabs sharing one
	// device id must both close before the device leaves the set.
	refs map[string]int
}

// Store mirrors presence transitions into an external snapshot (for liveness
// queries by other services). Write-through only, never read on the hot path.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// Coordinator owns every presence record for a process. Peer-facing updates
// are pushed onto a buffered outbound channel drained by the gateway.
type Coordinator struct {
	mu      sync.Mutex
	entries map[recordKey]*entry
	gen     uint64

	grace  time.Duration
	events chan event.Event
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.PresenceConfig, store Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		entries: make(map[recordKey]*entry),
		grace:   cfg.GracePeriod,
		events:  make(chan event.Event, 256),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Events exposes the outbound presence update stream.
func (c *Coordinator) Events() <-chan event.Event {
	return c.events
}

// MarkOnline registers a device for (room, user) and returns the merged
// record. The first device announces "online" to peers; a reconnect inside
// the grace window cancels the pending offline silently.
func (c *Coordinator) MarkOnline(room, user, deviceID string) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := recordKey{room: room, user: user}

	e, ok := c.entries[k]
	if !ok {
		c.gen++
		e = &entry{
			rec: Record{
				Room:    room,
				User:    user,
				Status:  StatusOnline,
				Devices: make(map[string]time.Time),
			},
			gen:  c.gen,
			refs: make(map[string]int),
		}
		c.entries[k] = e
		e.rec.Devices[deviceID] = now
		e.refs[deviceID] = 1
		e.rec.LastSeen = now
		c.announceLocked(e)
		c.mirrorOnline(user)
		return e.rec.clone()
	}

	e.rec.Devices[deviceID] = now
	e.refs[deviceID]++
	e.rec.LastSeen = now

	if e.rec.PendingGrace {
		// Reconnect inside the grace window: the disconnect stays invisible.
		c.cancelGraceLocked(e)
		e.rec.Status = StatusOnline
		return e.rec.clone()
	}

	if e.rec.Status != StatusOnline {
		e.rec.Status = StatusOnline
		c.announceLocked(e)
		c.mirrorOnline(user)
	}
	return e.rec.clone()
}

// Heartbeat refreshes last-seen for a device. It never changes an Online
// status. A heartbeat from a device with no live registration (expired
// record, or a record mid-grace) re-registers it through MarkOnline so a
// pending offline is cancelled properly.
func (c *Coordinator) Heartbeat(room, user, deviceID string) {
	c.mu.Lock()
	e, ok := c.entries[recordKey{room: room, user: user}]
	if !ok {
		c.mu.Unlock()
		c.MarkOnline(room, user, deviceID)
		return
	}
	if e.refs[deviceID] == 0 {
		c.mu.Unlock()
		c.MarkOnline(room, user, deviceID)
		return
	}

	now := c.now()
	e.rec.Devices[deviceID] = now
	e.rec.LastSeen = now
	c.mu.Unlock()
}

// MarkAway flags the user as away without touching the device set.
func (c *Coordinator) MarkAway(room, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[recordKey{room: room, user: user}]
	if !ok || e.rec.Status != StatusOnline {
		return
	}
	e.rec.Status = StatusAway
	c.announceLocked(e)
}

// MarkDisconnected removes a device. Only when the last device goes does the
// record enter the grace period; the offline announcement waits for the
// grace timer.
func (c *Coordinator) MarkDisconnected(room, user, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := recordKey{room: room, user: user}
	e, ok := c.entries[k]
	if !ok {
		return
	}

	switch n := e.refs[deviceID]; {
	case n == 0:
		// Device was never registered here; nothing to release.
		return
	case n > 1:
		e.refs[deviceID] = n - 1
		e.rec.LastSeen = c.now()
		return
	}

	delete(e.refs, deviceID)
	delete(e.rec.Devices, deviceID)
	e.rec.LastSeen = c.now()

	if len(e.rec.Devices) > 0 || e.rec.PendingGrace {
		return
	}

	e.rec.PendingGrace = true
	gen := e.gen
	e.graceTimer = time.AfterFunc(c.grace, func() {
		c.graceExpired(k, gen)
	})
}

// CancelGracePeriod aborts a pending offline transition. Peers never hear
// about the disconnect.
func (c *Coordinator) CancelGracePeriod(room, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[recordKey{room: room, user: user}]
	if !ok {
		return
	}
	c.cancelGraceLocked(e)
}

func (c *Coordinator) cancelGraceLocked(e *entry) {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.rec.PendingGrace = false
}

// graceExpired finalizes the offline transition if no device came back.
func (c *Coordinator) graceExpired(k recordKey, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok || e.gen != gen || !e.rec.PendingGrace || len(e.rec.Devices) > 0 {
		// Reconnected or superseded; the late fire is a no-op.
		return
	}

	e.rec.Status = StatusOffline
	e.rec.PendingGrace = false
	c.announceLocked(e)
	c.mirrorOffline(k.user)
	delete(c.entries, k)
}

// Snapshot returns copies of every record in a room.
func (c *Coordinator) Snapshot(room string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Record
	for k, e := range c.entries {
		if k.room == room {
			out = append(out, e.rec.clone())
		}
	}
	return out
}

// Get returns the merged record for (room, user) if one exists.
func (c *Coordinator) Get(room, user string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[recordKey{room: room, user: user}]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// Stats reports record and device counts for the health endpoint.
func (c *Coordinator) Stats() (records, devices int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records = len(c.entries)
	for _, e := range c.entries {
		devices += len(e.rec.Devices)
	}
	return records, devices
}

// announceLocked emits the record's current state to peers. Caller holds c.mu.
func (c *Coordinator) announceLocked(e *entry) {
	ev := event.NewPresence(uuid.New().String(), e.rec.Room, e.rec.User,
		string(e.rec.Status), e.rec.LastSeen, len(e.rec.Devices))
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Presence event dropped, outbound buffer full",
			"room", e.rec.Room, "user", e.rec.User)
	}
}

// mirrorOnline writes the transition to the external snapshot store without
// ever blocking the coordinator.
func (c *Coordinator) mirrorOnline(user string) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.store.SetOnline(ctx, user); err != nil {
			c.logger.Error("Failed to mirror online status", "user", user, "error", err)
		}
	}()
}

func (c *Coordinator) mirrorOffline(user string) {
	if c.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.store.SetOffline(ctx, user); err != nil {
			c.logger.Error("Failed to mirror offline status", "user", user, "error", err)
		}
	}()
}

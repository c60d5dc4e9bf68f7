// Package gateway publishes synchronization state and events to observers.
//
// A Gateway is an owned object: it holds the latest snapshot and fans every
// event out to the current subscribers. Delivery never blocks the publisher;
// a subscriber whose buffer is full loses the event and its drop counter
// grows. Dead-letter and conflict-detected events are not lost that way:
// they evict the oldest buffered event of another kind instead. Only a
// buffer holding nothing but those two kinds gives up its oldest entry.
// Late subscribers catch up through Snapshot.
package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// EventKind identifies the variant carried by an Event.
type EventKind string

const (
	EventStateChanged     EventKind = "state-changed"
	EventRemoteChange     EventKind = "remote-change"
	EventConflictDetected EventKind = "conflict-detected"
	EventConflictResolved EventKind = "conflict-resolved"
	EventEntityUpdated    EventKind = "entity-updated"
	EventEntityDeleted    EventKind = "entity-deleted"
	EventDeadLetter       EventKind = "dead-letter"
)

// Snapshot is the latest published sync state.
type Snapshot struct {
	Status       models.SyncState `json:"status"`
	LastSyncedAt *time.Time       `json:"lastSyncedAt,omitempty"`
	LastError    string           `json:"lastError,omitempty"`
}

// Event is a tagged union; the field matching Kind is set.
type Event struct {
	Kind       EventKind                  `json:"kind"`
	At         time.Time                  `json:"at"`
	State      *Snapshot                  `json:"state,omitempty"`
	Remote     *models.ChangeNotification `json:"remote,omitempty"`
	Conflict   *models.ConflictRecord     `json:"conflict,omitempty"`
	Resolution models.Resolution          `json:"resolution,omitempty"`
	Entity     *models.Entity             `json:"entity,omitempty"`
	Deleted    *models.DeletionLogEntry   `json:"deleted,omitempty"`
	DeadLetter *models.DeadLetter         `json:"deadLetter,omitempty"`
}

// DefaultBuffer is the channel size used when Subscribe is given <= 0.
const DefaultBuffer = 64

// Gateway is the sync state broadcaster.
type Gateway struct {
	mu       sync.Mutex
	snapshot Snapshot
	subs     map[*Subscription]struct{}
	now      func() time.Time
}

// New creates a Gateway whose initial status is offline.
func New() *Gateway {
	return &Gateway{
		snapshot: Snapshot{Status: models.SyncStateOffline},
		subs:     make(map[*Subscription]struct{}),
		now:      models.Now,
	}
}

// Subscription is one observer's event stream.
type Subscription struct {
	gw      *Gateway
	ch      chan Event
	dropped atomic.Uint64
	closed  bool
}

// Subscribe attaches an observer with the given channel buffer.
func (g *Gateway) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{gw: g, ch: make(chan Event, buffer)}

	g.mu.Lock()
	g.subs[s] = struct{}{}
	g.mu.Unlock()
	return s
}

// Events returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the observer. It is safe to call more than once.
func (s *Subscription) Close() {
	g := s.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(g.subs, s)
	close(s.ch)
}

// Subscribers returns the number of attached observers.
func (g *Gateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Snapshot returns the latest state.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.copySnapshot()
}

func (g *Gateway) copySnapshot() Snapshot {
	s := g.snapshot
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		s.LastSyncedAt = &t
	}
	return s
}

// SetStatus records a state transition. Setting the current status again
// publishes nothing.
func (g *Gateway) SetStatus(status models.SyncState, lastErr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snapshot.Status == status && g.snapshot.LastError == lastErr {
		return
	}
	g.snapshot.Status = status
	g.snapshot.LastError = lastErr
	g.publishState()
}

// SetLastSyncedAt records the completion time of a sync cycle.
func (g *Gateway) SetLastSyncedAt(ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts = models.Stamp(ts)
	g.snapshot.LastSyncedAt = &ts
	g.publishState()
}

func (g *Gateway) publishState() {
	snap := g.copySnapshot()
	g.broadcast(Event{Kind: EventStateChanged, State: &snap})
}

// NotifyRemoteChange publishes a notification received from the remote feed.
func (g *Gateway) NotifyRemoteChange(n models.ChangeNotification) {
	g.publish(Event{Kind: EventRemoteChange, Remote: &n})
}

// NotifyConflict publishes a newly detected or coalesced conflict.
func (g *Gateway) NotifyConflict(rec models.ConflictRecord) {
	g.publish(Event{Kind: EventConflictDetected, Conflict: &rec})
}

// NotifyConflictResolved publishes the outcome of a resolution.
func (g *Gateway) NotifyConflictResolved(rec models.ConflictRecord, resolution models.Resolution) {
	g.publish(Event{Kind: EventConflictResolved, Conflict: &rec, Resolution: resolution})
}

// NotifyEntityUpdated publishes an entity written by the sync engine.
func (g *Gateway) NotifyEntityUpdated(ent *models.Entity) {
	g.publish(Event{Kind: EventEntityUpdated, Entity: ent.Clone()})
}

// NotifyEntityDeleted publishes an entity removed by the sync engine.
func (g *Gateway) NotifyEntityDeleted(d models.DeletionLogEntry) {
	g.publish(Event{Kind: EventEntityDeleted, Deleted: &d})
}

// NotifyDeadLetter publishes a change that exhausted its push attempts.
func (g *Gateway) NotifyDeadLetter(dl models.DeadLetter) {
	g.publish(Event{Kind: EventDeadLetter, DeadLetter: &dl})
}

func (g *Gateway) publish(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcast(ev)
}

// broadcast must be called with g.mu held.
func (g *Gateway) broadcast(ev Event) {
	ev.At = g.now()
	for s := range g.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		if !ev.Kind.mustDeliver() {
			s.dropped.Add(1)
			continue
		}
		s.evict()
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// mustDeliver reports whether observers need the event to act on it.
func (k EventKind) mustDeliver() bool {
	return k == EventDeadLetter || k == EventConflictDetected
}

// evict frees one slot, preferring the oldest event that is not
// mustDeliver. Only the gateway sends on s.ch, under g.mu, so putting the
// remaining events back cannot block.
func (s *Subscription) evict() {
	var buffered []Event
drain:
	for len(buffered) < cap(s.ch) {
		select {
		case ev := <-s.ch:
			buffered = append(buffered, ev)
		default:
			break drain
		}
	}
	if len(buffered) == 0 {
		return
	}

	victim := 0
	for i, ev := range buffered {
		if !ev.Kind.mustDeliver() {
			victim = i
			break
		}
	}
	s.dropped.Add(1)
	for i, ev := range buffered {
		if i == victim {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

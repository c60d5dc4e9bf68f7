package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return Event{}
}

func TestGateway_initialSnapshot(t *testing.T) {
	g := New()

	snap := g.Snapshot()
	assert.Equal(t, models.SyncStateOffline, snap.Status)
	assert.Nil(t, snap.LastSyncedAt)
}

func TestGateway_SetStatusPublishesTransitions(t *testing.T) {
	g := New()
	s := g.Subscribe(8)
	defer s.Close()

	g.SetStatus(models.SyncStateIdle, "")
	g.SetStatus(models.SyncStateIdle, "") // no transition
	g.SetStatus(models.SyncStateError, "push rejected")

	ev := next(t, s)
	assert.Equal(t, EventStateChanged, ev.Kind)
	assert.Equal(t, models.SyncStateIdle, ev.State.Status)

	ev = next(t, s)
	assert.Equal(t, models.SyncStateError, ev.State.Status)
	assert.Equal(t, "push rejected", ev.State.LastError)

	assert.Len(t, s.Events(), 0)
}

func TestGateway_SetLastSyncedAt(t *testing.T) {
	g := New()
	s := g.Subscribe(1)
	defer s.Close()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	g.SetLastSyncedAt(ts)

	ev := next(t, s)
	require.NotNil(t, ev.State.LastSyncedAt)
	assert.True(t, ev.State.LastSyncedAt.Equal(ts))
	assert.True(t, g.Snapshot().LastSyncedAt.Equal(ts))

	// The published snapshot does not alias gateway state.
	*ev.State.LastSyncedAt = time.Time{}
	assert.True(t, g.Snapshot().LastSyncedAt.Equal(ts))
}

func TestGateway_eventKinds(t *testing.T) {
	g := New()
	s := g.Subscribe(16)
	defer s.Close()

	rec := models.ConflictRecord{EntityType: models.EntityChapter, EntityID: "c1", ProjectID: "p1"}
	g.NotifyRemoteChange(models.ChangeNotification{EntityType: models.EntityChapter, EntityID: "c1"})
	g.NotifyConflict(rec)
	g.NotifyConflictResolved(rec, models.ResolutionKeepLocal)
	g.NotifyEntityUpdated(&models.Entity{ID: "c1", Type: models.EntityChapter})
	g.NotifyEntityDeleted(models.DeletionLogEntry{EntityType: models.EntityChapter, EntityID: "c1"})
	g.NotifyDeadLetter(models.DeadLetter{Reason: "invalid"})

	want := []EventKind{
		EventRemoteChange, EventConflictDetected, EventConflictResolved,
		EventEntityUpdated, EventEntityDeleted, EventDeadLetter,
	}
	for _, kind := range want {
		ev := next(t, s)
		assert.Equal(t, kind, ev.Kind)
		assert.False(t, ev.At.IsZero())
		switch kind {
		case EventRemoteChange:
			assert.NotNil(t, ev.Remote)
		case EventConflictDetected:
			assert.Equal(t, "c1", ev.Conflict.EntityID)
		case EventConflictResolved:
			assert.Equal(t, models.ResolutionKeepLocal, ev.Resolution)
		case EventEntityUpdated:
			assert.Equal(t, "c1", ev.Entity.ID)
		case EventEntityDeleted:
			assert.Equal(t, "c1", ev.Deleted.EntityID)
		case EventDeadLetter:
			assert.Equal(t, "invalid", ev.DeadLetter.Reason)
		}
	}
}

func TestGateway_slowSubscriberNeverBlocks(t *testing.T) {
	g := New()
	slow := g.Subscribe(1)
	fast := g.Subscribe(16)
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			g.NotifyDeadLetter(models.DeadLetter{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	assert.Equal(t, uint64(9), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Len(t, fast.Events(), 10)
}

func TestGateway_fullBufferKeepsDeadLettersAndConflicts(t *testing.T) {
	g := New()
	s := g.Subscribe(2)
	defer s.Close()

	g.NotifyEntityUpdated(&models.Entity{ID: "c1", Type: models.EntityChapter})
	g.NotifyRemoteChange(models.ChangeNotification{EntityID: "c2"})
	g.NotifyDeadLetter(models.DeadLetter{})
	g.NotifyConflict(models.ConflictRecord{})
	g.NotifyEntityUpdated(&models.Entity{ID: "c3", Type: models.EntityChapter})

	assert.Equal(t, EventDeadLetter, next(t, s).Kind)
	assert.Equal(t, EventConflictDetected, next(t, s).Kind)
	assert.Len(t, s.Events(), 0)
	assert.Equal(t, uint64(3), s.Dropped())
}

func TestGateway_evictPrefersOrdinaryEvents(t *testing.T) {
	g := New()
	s := g.Subscribe(2)
	defer s.Close()

	g.NotifyDeadLetter(models.DeadLetter{})
	g.NotifyRemoteChange(models.ChangeNotification{EntityID: "c1"})
	g.NotifyConflict(models.ConflictRecord{})

	assert.Equal(t, EventDeadLetter, next(t, s).Kind)
	assert.Equal(t, EventConflictDetected, next(t, s).Kind)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestGateway_CloseDetaches(t *testing.T) {
	g := New()
	s := g.Subscribe(0)
	assert.Equal(t, 1, g.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, g.Subscribers())

	_, ok := <-s.Events()
	assert.False(t, ok)

	// Publishing after close must not panic.
	g.SetStatus(models.SyncStateIdle, "")
	assert.Equal(t, models.SyncStateIdle, g.Snapshot().Status)
}

func TestGateway_concurrentSubscribeAndPublish(t *testing.T) {
	g := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := g.Subscribe(4)
			time.Sleep(time.Millisecond)
			s.Close()
		}()
		go func(i int) {
			defer wg.Done()
			g.NotifyEntityDeleted(models.DeletionLogEntry{EntityID: string(rune('a' + i))})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, g.Subscribers())
}

package sync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/storyforge/backend/internal/db"
	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/sync/gateway"
	"github.com/kimhsiao/storyforge/backend/internal/sync/listener"
	"github.com/kimhsiao/storyforge/backend/internal/sync/queue"
	"github.com/kimhsiao/storyforge/backend/internal/sync/remote"
	"github.com/kimhsiao/storyforge/backend/internal/sync/tombstone"
)

// =====================================================
// Fixtures
// =====================================================

func at(h, m int) time.Time {
	return time.Date(2024, 5, 1, h, m, 0, 0, time.UTC)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) set(t time.Time)         { c.t = t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testDevice struct {
	engine *Engine
	repo   *db.Repository
	sub    *gateway.Subscription
}

func newTestDevice(t *testing.T, mem *remote.Memory, deviceID string, clk *fakeClock) *testDevice {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return newTestDeviceWithRepo(t, mem, deviceID, clk, repo)
}

func newTestDeviceWithRepo(t *testing.T, mem *remote.Memory, deviceID string, clk *fakeClock, repo *db.Repository) *testDevice {
	t.Helper()
	q := queue.NewSyncQueue(repo, queue.Config{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})
	q.SetClock(clk.now)
	require.NoError(t, q.Load(context.Background()))

	gw := gateway.New()
	sub := gw.Subscribe(256)
	t.Cleanup(sub.Close)

	e := NewEngine(repo, q, tombstone.New(repo), mem.Client(deviceID), gw, Config{BatchSize: 2})
	e.SetClock(clk.now)
	return &testDevice{engine: e, repo: repo, sub: sub}
}

// events returns everything published since the last call.
func (d *testDevice) events() []gateway.Event {
	var out []gateway.Event
	for {
		select {
		case ev := <-d.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKind(events []gateway.Event, kind gateway.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (d *testDevice) stored(t *testing.T, typ models.EntityType, id string) *models.Entity {
	t.Helper()
	ent, err := d.repo.GetEntity(context.Background(), typ, id)
	require.NoError(t, err)
	return ent
}

func entity(typ models.EntityType, id, title string, ts time.Time) *models.Entity {
	return &models.Entity{
		ID:        id,
		ProjectID: "p1",
		Type:      typ,
		Name:      title,
		Payload:   json.RawMessage(`{"title":"` + title + `"}`),
		UpdatedAt: ts,
	}
}

func noteFor(ent *models.Entity, op models.Operation) models.ChangeNotification {
	n := models.ChangeNotification{
		EntityType: ent.Type,
		EntityID:   ent.ID,
		ProjectID:  ent.ProjectID,
		ChangeType: op,
		UpdatedAt:  ent.UpdatedAt,
	}
	if op != models.OperationDelete {
		n.Entity = ent.Clone()
	}
	return n
}

func assertTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func key(typ models.EntityType, id string) models.EntityKey {
	return models.EntityKey{Type: typ, ID: id}
}

// =====================================================
// State machine
// =====================================================

func TestEngine_StartsOffline(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})

	assert.Equal(t, models.SyncStateOffline, d.engine.Snapshot().State)

	res, err := d.engine.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOffline)
	assert.NotEmpty(t, res.Error)
}

func TestEngine_SetOnline_Transitions(t *testing.T) {
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})

	d.engine.SetOnline(true)
	snap := d.engine.Snapshot()
	assert.Equal(t, models.SyncStateIdle, snap.State)
	assert.True(t, snap.Online)
	assert.Equal(t, models.SyncStateIdle, d.engine.Gateway().Snapshot().Status)

	d.engine.SetOnline(true)
	d.engine.SetOnline(false)
	assert.Equal(t, models.SyncStateOffline, d.engine.Snapshot().State)

	assert.Equal(t, 2, countKind(d.events(), gateway.EventStateChanged))
}

func TestEngine_SyncInProgress(t *testing.T) {
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	d.engine.running.Store(true)
	_, err := d.engine.Sync(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)

	d.engine.running.Store(false)
	_, err = d.engine.Sync(context.Background())
	assert.NoError(t, err)
}

// =====================================================
// Local writes
// =====================================================

func TestEngine_OfflineEditsCoalesceAndFlushOnReconnect(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(10, 0)}
	d := newTestDevice(t, mem, "a", clk)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityChapter, "c", "draft", at(10, 0)))
	require.NoError(t, err)
	clk.set(at(10, 5))
	_, err = d.engine.SaveLocal(ctx, entity(models.EntityChapter, "c", "revised", at(10, 5)))
	require.NoError(t, err)

	require.Equal(t, 1, d.engine.Queue().Len())
	entry, ok := d.engine.Queue().Lookup(key(models.EntityChapter, "c"))
	require.True(t, ok)
	assert.Equal(t, models.OperationInsert, entry.Operation)
	assertTime(t, at(10, 5), entry.UpdatedAt)
	queued, err := entry.Entity()
	require.NoError(t, err)
	assert.Equal(t, "revised", queued.Name)
	assert.True(t, d.stored(t, models.EntityChapter, "c").Dirty)

	d.engine.SetOnline(true)
	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 0, d.engine.Queue().Len())

	pushed := mem.Get("p1", models.EntityChapter, "c")
	require.NotNil(t, pushed)
	assert.Equal(t, "revised", pushed.Name)
	assert.False(t, d.stored(t, models.EntityChapter, "c").Dirty)

	snap := d.engine.Snapshot()
	assert.Equal(t, models.SyncStateIdle, snap.State)
	assert.NotNil(t, snap.LastSyncedAt)
}

func TestEngine_SaveLocal_NeverMovesUpdatedAtBackwards(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityCharacter, "x", "one", at(10, 5)))
	require.NoError(t, err)
	saved, err := d.engine.SaveLocal(ctx, entity(models.EntityCharacter, "x", "two", at(10, 0)))
	require.NoError(t, err)

	want := at(10, 5).Add(time.Millisecond)
	assertTime(t, want, saved.UpdatedAt)
	assertTime(t, want, d.stored(t, models.EntityCharacter, "x").UpdatedAt)
}

func TestEngine_SaveLocal_StampsMissingUpdatedAt(t *testing.T) {
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(11, 30)})

	ent := entity(models.EntityLocation, "l", "harbor", time.Time{})
	saved, err := d.engine.SaveLocal(context.Background(), ent)
	require.NoError(t, err)
	assertTime(t, at(11, 30), saved.UpdatedAt)
}

func TestEngine_SaveLocal_Invalid(t *testing.T) {
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})

	ent := entity(models.EntityChapter, "c", "draft", at(10, 0))
	ent.ProjectID = ""
	_, err := d.engine.SaveLocal(context.Background(), ent)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Equal(t, 0, d.engine.Queue().Len())
}

func TestEngine_DeleteLocal(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(8, 0)}
	d := newTestDevice(t, mem, "a", clk)
	d.engine.SetOnline(true)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityLocation, "l", "harbor", at(8, 0)))
	require.NoError(t, err)
	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)

	clk.set(at(9, 0))
	require.NoError(t, d.engine.DeleteLocal(ctx, models.EntityLocation, "l", ""))

	assert.Nil(t, d.stored(t, models.EntityLocation, "l"))
	ts, ok, err := d.engine.Tombstones().Lookup(ctx, models.EntityLocation, "l")
	require.NoError(t, err)
	require.True(t, ok)
	assertTime(t, at(9, 0), ts.DeletedAt)
	assert.Equal(t, "p1", ts.ProjectID)

	entry, ok := d.engine.Queue().Lookup(key(models.EntityLocation, "l"))
	require.True(t, ok)
	assert.Equal(t, models.OperationDelete, entry.Operation)

	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, mem.Get("p1", models.EntityLocation, "l"))
	assert.Equal(t, 0, d.engine.Queue().Len())
}

func TestEngine_DeleteLocal_NotFound(t *testing.T) {
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	err := d.engine.DeleteLocal(context.Background(), models.EntityChapter, "missing", "p1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestEngine_RecreateAfterDeleteSortsAfterTombstone(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: at(9, 0)}
	d := newTestDevice(t, remote.NewMemory(), "a", clk)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityChapter, "c", "one", at(8, 0)))
	require.NoError(t, err)
	require.NoError(t, d.engine.DeleteLocal(ctx, models.EntityChapter, "c", ""))

	saved, err := d.engine.SaveLocal(ctx, entity(models.EntityChapter, "c", "again", at(8, 30)))
	require.NoError(t, err)
	assert.True(t, saved.UpdatedAt.After(at(9, 0)))

	assert.False(t, d.engine.Tombstones().IsDeleted(ctx, models.EntityChapter, "c"))

	entry, ok := d.engine.Queue().Lookup(key(models.EntityChapter, "c"))
	require.True(t, ok)
	assert.NotEqual(t, models.OperationDelete, entry.Operation)
}

func TestEngine_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(10, 0)}
	d := newTestDevice(t, mem, "a", clk)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityScrapNote, "n", "idea", at(10, 0)))
	require.NoError(t, err)

	restarted := newTestDeviceWithRepo(t, mem, "a", clk, d.repo)
	assert.Equal(t, 1, restarted.engine.Queue().Len())

	restarted.engine.SetOnline(true)
	res, err := restarted.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.NotNil(t, mem.Get("p1", models.EntityScrapNote, "n"))
}

// =====================================================
// Push
// =====================================================

func TestEngine_PushTransportFailureKeepsQueue(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	d := newTestDevice(t, mem, "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityChapter, "c", "draft", at(10, 0)))
	require.NoError(t, err)

	mem.SetReachable(false)
	_, err = d.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncOffline))

	snap := d.engine.Snapshot()
	assert.Equal(t, models.SyncStateOffline, snap.State)
	assert.False(t, snap.Online)
	assert.NotEmpty(t, snap.LastError)

	entry, ok := d.engine.Queue().Lookup(key(models.EntityChapter, "c"))
	require.True(t, ok)
	assert.Equal(t, 0, entry.Attempts)

	mem.SetReachable(true)
	d.engine.SetOnline(true)
	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, models.SyncStateIdle, d.engine.Snapshot().State)
}

func TestEngine_RejectedEntryDeadLettersWithoutBlockingQueue(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(10, 0)}
	d := newTestDevice(t, mem, "a", clk)
	mem.SetRejectFunc(func(e *models.ChangeQueueEntry) string {
		if e.EntityID == "bad" {
			return "title required"
		}
		return ""
	})

	for _, id := range []string{"bad", "good1", "good2"} {
		_, err := d.engine.SaveLocal(ctx, entity(models.EntityChapter, id, id, at(10, 0)))
		require.NoError(t, err)
	}
	d.engine.SetOnline(true)

	pushed := 0
	for i := 0; i < 5; i++ {
		res, err := d.engine.Sync(ctx)
		require.NoError(t, err)
		pushed += res.Pushed
		if i < 4 {
			assert.NotEqual(t, models.SyncStateError, d.engine.Snapshot().State)
		}
		clk.advance(time.Hour)
	}

	assert.Equal(t, 2, pushed)
	assert.NotNil(t, mem.Get("p1", models.EntityChapter, "good1"))
	assert.NotNil(t, mem.Get("p1", models.EntityChapter, "good2"))
	assert.Nil(t, mem.Get("p1", models.EntityChapter, "bad"))

	dead := d.engine.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].Entry.EntityID)
	assert.Equal(t, "title required", dead[0].Reason)
	assert.Equal(t, 5, dead[0].Entry.Attempts)

	snap := d.engine.Snapshot()
	assert.Equal(t, models.SyncStateError, snap.State)
	assert.Equal(t, 1, snap.Queue.Dead)
	assert.Equal(t, 1, countKind(d.events(), gateway.EventDeadLetter))

	reason, err := d.repo.UnsyncedReason(ctx, models.EntityChapter, "bad")
	require.NoError(t, err)
	assert.Equal(t, "title required", reason)

	// A dead entry stays until explicitly re-armed.
	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pushed)

	mem.SetRejectFunc(nil)
	require.NoError(t, d.engine.RetryDeadLetter(ctx, key(models.EntityChapter, "bad")))
	assert.Equal(t, models.SyncStateIdle, d.engine.Snapshot().State)

	res, err = d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.NotNil(t, mem.Get("p1", models.EntityChapter, "bad"))
}

func TestEngine_RetryDeadLetter_NotDead(t *testing.T) {
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	err := d.engine.RetryDeadLetter(context.Background(), key(models.EntityChapter, "c"))
	assert.ErrorIs(t, err, queue.ErrNotQueued)
}

// =====================================================
// Pull
// =====================================================

func TestEngine_PullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	n := noteFor(entity(models.EntityCharacter, "x", "remote", at(10, 0)), models.OperationInsert)

	res, err := d.engine.Pull(ctx, []models.ChangeNotification{n})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	first := d.stored(t, models.EntityCharacter, "x")
	require.NotNil(t, first)
	assert.False(t, first.Dirty)
	assert.Equal(t, "remote", first.Name)

	res, err = d.engine.Pull(ctx, []models.ChangeNotification{n})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pulled)
	assert.Equal(t, 1, res.Suppressed)

	second := d.stored(t, models.EntityCharacter, "x")
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 0, d.engine.Queue().Len())

	events := d.events()
	assert.Equal(t, 1, countKind(events, gateway.EventEntityUpdated))
	assert.Equal(t, 2, countKind(events, gateway.EventRemoteChange))
	assert.Equal(t, models.SyncStateIdle, d.engine.Snapshot().State)
}

func TestEngine_PullKeepsLargestUpdatedAt(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	newer := noteFor(entity(models.EntityCharacter, "x", "newer", at(10, 5)), models.OperationUpdate)
	older := noteFor(entity(models.EntityCharacter, "x", "older", at(10, 2)), models.OperationUpdate)

	res, err := d.engine.Pull(ctx, []models.ChangeNotification{newer, older})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, "newer", d.stored(t, models.EntityCharacter, "x").Name)

	late := noteFor(entity(models.EntityCharacter, "x", "late", at(10, 3)), models.OperationUpdate)
	_, err = d.engine.Pull(ctx, []models.ChangeNotification{late})
	require.NoError(t, err)

	stored := d.stored(t, models.EntityCharacter, "x")
	assert.Equal(t, "newer", stored.Name)
	assertTime(t, at(10, 5), stored.UpdatedAt)
}

func TestEngine_PullFetchesWhenPayloadNotInline(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	mem.SetInlinePayload(false)
	d := newTestDevice(t, mem, "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	mem.Write(entity(models.EntityTimeline, "tl", "main", at(10, 0)))
	notes, err := mem.Client("b").List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Nil(t, notes[0].Entity)

	res, err := d.engine.Pull(ctx, notes)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, "main", d.stored(t, models.EntityTimeline, "tl").Name)
}

func TestEngine_PullDropsNotificationWhenFetchFails(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	mem.SetInlinePayload(false)
	d := newTestDevice(t, mem, "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	mem.Write(entity(models.EntityTimeline, "tl", "main", at(10, 0)))
	notes, err := mem.Client("b").List(ctx, "p1")
	require.NoError(t, err)

	mem.SetReachable(false)
	res, err := d.engine.Pull(ctx, notes)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pulled)
	assert.Nil(t, d.stored(t, models.EntityTimeline, "tl"))

	// A later delivery of the same notification recovers.
	mem.SetReachable(true)
	res, err = d.engine.Pull(ctx, notes)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
}

// redeliveringFeed sends the same notifications again on each signal.
type redeliveringFeed struct {
	notes []models.ChangeNotification
	again chan struct{}
}

func (f *redeliveringFeed) Subscribe(ctx context.Context, _ string, onChange func(models.ChangeNotification)) error {
	for {
		for _, n := range f.notes {
			onChange(n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-f.again:
		}
	}
}

func TestEngine_ListenerRedeliveryRecoversFailedFetch(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	mem.SetInlinePayload(false)
	d := newTestDevice(t, mem, "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	mem.Write(entity(models.EntityTimeline, "tl", "main", at(10, 0)))
	notes, err := mem.Client("b").List(ctx, "p1")
	require.NoError(t, err)
	mem.SetReachable(false)

	feed := &redeliveringFeed{notes: notes, again: make(chan struct{})}
	var pulls int32
	l := listener.New(feed, func(ctx context.Context, batch []models.ChangeNotification) {
		_, _ = d.engine.Pull(ctx, batch)
		atomic.AddInt32(&pulls, 1)
	}, listener.Config{BatchSize: 1, FlushInterval: time.Hour})
	l.Start(ctx, "p1")
	defer l.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&pulls) == 1 }, time.Second, 5*time.Millisecond)
	ent, err := d.repo.GetEntity(ctx, models.EntityTimeline, "tl")
	require.NoError(t, err)
	assert.Nil(t, ent)

	mem.SetReachable(true)
	feed.again <- struct{}{}
	require.Eventually(t, func() bool {
		ent, err := d.repo.GetEntity(ctx, models.EntityTimeline, "tl")
		return err == nil && ent != nil && ent.Name == "main"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), l.Stats().Dropped)
}

func TestEngine_PullSuppressesOlderRemoteWhenLocalQueued(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 5)})
	d.engine.SetOnline(true)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityChapter, "c", "local", at(10, 5)))
	require.NoError(t, err)

	for _, ts := range []time.Time{at(10, 3), at(10, 5)} {
		n := noteFor(entity(models.EntityChapter, "c", "remote", ts), models.OperationUpdate)
		res, err := d.engine.Pull(ctx, []models.ChangeNotification{n})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Suppressed)
		assert.Equal(t, 0, res.Conflicts)
	}

	assert.Equal(t, "local", d.stored(t, models.EntityChapter, "c").Name)
	assert.Empty(t, d.engine.Conflicts())
	assert.Equal(t, 1, d.engine.Queue().Len())
}

func TestEngine_PullAppliesRemoteDelete(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	loc := entity(models.EntityLocation, "l", "harbor", at(10, 0))
	_, err := d.engine.Pull(ctx, []models.ChangeNotification{noteFor(loc, models.OperationInsert)})
	require.NoError(t, err)
	d.events()

	gone := loc.Clone()
	gone.UpdatedAt = at(10, 10)
	res, err := d.engine.Pull(ctx, []models.ChangeNotification{noteFor(gone, models.OperationDelete)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)

	assert.Nil(t, d.stored(t, models.EntityLocation, "l"))
	ts, ok, err := d.engine.Tombstones().Lookup(ctx, models.EntityLocation, "l")
	require.NoError(t, err)
	require.True(t, ok)
	assertTime(t, at(10, 10), ts.DeletedAt)
	assert.Equal(t, 1, countKind(d.events(), gateway.EventEntityDeleted))
	assert.Equal(t, 0, d.engine.Queue().Len())
}

func TestEngine_DeliverFeedsNextSync(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t, remote.NewMemory(), "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	d.engine.Deliver([]models.ChangeNotification{
		noteFor(entity(models.EntityBGM, "m", "theme", at(10, 0)), models.OperationInsert),
	})
	assert.Equal(t, 1, d.engine.PendingNotifications())
	assert.Equal(t, 1, d.engine.Snapshot().Inbox)

	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 0, d.engine.PendingNotifications())
	assert.NotNil(t, d.stored(t, models.EntityBGM, "m"))
}

func TestEngine_ResyncRequeuesDirtyEntities(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	d := newTestDevice(t, mem, "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)

	// A dirty row whose queue entry was lost.
	orphan := entity(models.EntityEvent, "ev", "battle", at(9, 0))
	orphan.Dirty = true
	require.NoError(t, d.repo.PutEntity(ctx, orphan))

	mem.Write(entity(models.EntityEvent, "other", "treaty", at(9, 30)))

	res, err := d.engine.Resync(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, d.engine.Queue().Len())

	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.NotNil(t, mem.Get("p1", models.EntityEvent, "ev"))
	assert.NotNil(t, d.stored(t, models.EntityEvent, "other"))
}

func TestEngine_ResyncOffline(t *testing.T) {
	mem := remote.NewMemory()
	d := newTestDevice(t, mem, "a", &fakeClock{t: at(10, 0)})
	d.engine.SetOnline(true)
	mem.SetReachable(false)

	_, err := d.engine.Resync(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncOffline))
	assert.Equal(t, models.SyncStateOffline, d.engine.Snapshot().State)
}

// =====================================================
// Conflicts
// =====================================================

// divergedPair sets up character x edited at 10:01 on device a (queued) and
// at 10:02 on device b (pushed), then lets a observe b's change.
func divergedPair(t *testing.T) (*remote.Memory, *fakeClock, *testDevice, *testDevice) {
	t.Helper()
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(10, 0)}
	a := newTestDevice(t, mem, "a", clk)
	b := newTestDevice(t, mem, "b", clk)
	a.engine.SetOnline(true)
	b.engine.SetOnline(true)

	_, err := a.engine.SaveLocal(ctx, entity(models.EntityCharacter, "x", "original", at(10, 0)))
	require.NoError(t, err)
	_, err = a.engine.Sync(ctx)
	require.NoError(t, err)
	_, err = b.engine.Resync(ctx, "p1")
	require.NoError(t, err)

	clk.set(at(10, 1))
	_, err = a.engine.SaveLocal(ctx, entity(models.EntityCharacter, "x", "from-a", at(10, 1)))
	require.NoError(t, err)

	clk.set(at(10, 2))
	_, err = b.engine.SaveLocal(ctx, entity(models.EntityCharacter, "x", "from-b", at(10, 2)))
	require.NoError(t, err)
	_, err = b.engine.Sync(ctx)
	require.NoError(t, err)

	a.events()
	res, err := a.engine.Resync(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicts)
	return mem, clk, a, b
}

func TestEngine_ConflictLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	mem, _, a, _ := divergedPair(t)

	conflicts := a.engine.Conflicts()
	require.Len(t, conflicts, 1)
	rec := conflicts[0]
	assert.Equal(t, models.ConflictKindUpdate, rec.Kind)
	assertTime(t, at(10, 1), rec.LocalUpdatedAt)
	assertTime(t, at(10, 2), rec.RemoteUpdatedAt)
	assert.Equal(t, "p1", rec.ProjectID)
	assert.NotEmpty(t, rec.EntityName)

	stored := a.stored(t, models.EntityCharacter, "x")
	assert.Equal(t, "from-a", stored.Name)
	assertTime(t, at(10, 1), stored.UpdatedAt)

	snap := a.engine.Snapshot()
	assert.Equal(t, models.SyncStateConflictPending, snap.State)
	assert.Equal(t, 1, snap.Conflicts)
	assert.Equal(t, 1, countKind(a.events(), gateway.EventConflictDetected))

	_, err := a.engine.SaveLocal(ctx, entity(models.EntityCharacter, "x", "again", at(10, 3)))
	assert.ErrorIs(t, err, ErrConflictPending)
	assert.ErrorIs(t, a.engine.DeleteLocal(ctx, models.EntityCharacter, "x", "p1"), ErrConflictPending)

	// The held entity is not pushed while the conflict is open.
	res, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pushed)
	assert.Equal(t, "from-b", mem.Get("p1", models.EntityCharacter, "x").Name)
	assert.Equal(t, models.SyncStateConflictPending, a.engine.Snapshot().State)
}

func TestEngine_ConflictCoalescesLaterRemoteChanges(t *testing.T) {
	ctx := context.Background()
	_, _, a, _ := divergedPair(t)

	later := noteFor(entity(models.EntityCharacter, "x", "from-b-2", at(10, 4)), models.OperationUpdate)
	res, err := a.engine.Pull(ctx, []models.ChangeNotification{later})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	conflicts := a.engine.Conflicts()
	require.Len(t, conflicts, 1)
	assertTime(t, at(10, 4), conflicts[0].RemoteUpdatedAt)
	assert.Equal(t, "from-a", a.stored(t, models.EntityCharacter, "x").Name)
}

func TestEngine_ResolveConflict_AcceptRemote(t *testing.T) {
	ctx := context.Background()
	_, _, a, _ := divergedPair(t)
	a.events()

	require.NoError(t, a.engine.ResolveConflict(ctx, models.EntityCharacter, "x", "p1", models.ResolutionAcceptRemote))

	stored := a.stored(t, models.EntityCharacter, "x")
	assert.Equal(t, "from-b", stored.Name)
	assert.JSONEq(t, `{"title":"from-b"}`, string(stored.Payload))
	assertTime(t, at(10, 2), stored.UpdatedAt)
	assert.False(t, stored.Dirty)

	_, queued := a.engine.Queue().Lookup(key(models.EntityCharacter, "x"))
	assert.False(t, queued)
	assert.Empty(t, a.engine.Conflicts())
	assert.Equal(t, models.SyncStateIdle, a.engine.Snapshot().State)

	events := a.events()
	assert.Equal(t, 1, countKind(events, gateway.EventConflictResolved))
	assert.Equal(t, 1, countKind(events, gateway.EventEntityUpdated))
}

func TestEngine_ResolveConflict_KeepLocal(t *testing.T) {
	ctx := context.Background()
	mem, clk, a, b := divergedPair(t)

	// The local clock lags the remote timestamp.
	clk.set(at(10, 1).Add(30 * time.Second))
	require.NoError(t, a.engine.ResolveConflict(ctx, models.EntityCharacter, "x", "p1", models.ResolutionKeepLocal))

	want := at(10, 2).Add(time.Millisecond)
	stored := a.stored(t, models.EntityCharacter, "x")
	assert.Equal(t, "from-a", stored.Name)
	assertTime(t, want, stored.UpdatedAt)
	assert.True(t, stored.Dirty)

	entry, ok := a.engine.Queue().Lookup(key(models.EntityCharacter, "x"))
	require.True(t, ok)
	assertTime(t, want, entry.UpdatedAt)
	assert.Equal(t, models.SyncStateIdle, a.engine.Snapshot().State)

	res, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, "from-a", mem.Get("p1", models.EntityCharacter, "x").Name)

	_, err = b.engine.Resync(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "from-a", b.stored(t, models.EntityCharacter, "x").Name)
}

func TestEngine_ResolveConflict_Errors(t *testing.T) {
	ctx := context.Background()
	_, _, a, _ := divergedPair(t)

	err := a.engine.ResolveConflict(ctx, models.EntityCharacter, "nope", "p1", models.ResolutionKeepLocal)
	assert.ErrorIs(t, err, ErrConflictNotFound)

	err = a.engine.ResolveConflict(ctx, models.EntityCharacter, "x", "p1", models.Resolution("merge"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Len(t, a.engine.Conflicts(), 1)
}

func TestEngine_ResolveConflict_AcceptRemoteOffline(t *testing.T) {
	ctx := context.Background()
	mem, _, a, _ := divergedPair(t)
	mem.SetReachable(false)

	err := a.engine.ResolveConflict(ctx, models.EntityCharacter, "x", "p1", models.ResolutionAcceptRemote)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncOffline))
	assert.Len(t, a.engine.Conflicts(), 1)
	assert.Equal(t, "from-a", a.stored(t, models.EntityCharacter, "x").Name)
}

// =====================================================
// Tombstones
// =====================================================

func TestEngine_TombstoneSuppressesStaleRemoteEdit(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: at(8, 0)}
	d := newTestDevice(t, remote.NewMemory(), "a", clk)
	d.engine.SetOnline(true)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityLocation, "l", "harbor", at(8, 0)))
	require.NoError(t, err)
	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)

	clk.set(at(9, 0))
	require.NoError(t, d.engine.DeleteLocal(ctx, models.EntityLocation, "l", "p1"))

	stale := noteFor(entity(models.EntityLocation, "l", "edited", at(8, 59)), models.OperationUpdate)

	// Before and after the deletion is pushed.
	for i := 0; i < 2; i++ {
		res, err := d.engine.Pull(ctx, []models.ChangeNotification{stale})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Suppressed)
		assert.Nil(t, d.stored(t, models.EntityLocation, "l"))
		assert.Empty(t, d.engine.Conflicts())

		_, err = d.engine.Sync(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, d.engine.Queue().Len())
}

func TestEngine_TombstoneTurnsNewerRemoteEditIntoConflict(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(8, 0)}
	d := newTestDevice(t, mem, "a", clk)
	d.engine.SetOnline(true)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityLocation, "l", "harbor", at(8, 0)))
	require.NoError(t, err)
	clk.set(at(9, 0))
	require.NoError(t, d.engine.DeleteLocal(ctx, models.EntityLocation, "l", "p1"))
	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)

	revived := entity(models.EntityLocation, "l", "rebuilt", at(9, 30))
	mem.Write(revived)
	res, err := d.engine.Pull(ctx, []models.ChangeNotification{noteFor(revived, models.OperationUpdate)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Nil(t, d.stored(t, models.EntityLocation, "l"))

	conflicts := d.engine.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictKindDelete, conflicts[0].Kind)
	assertTime(t, at(9, 0), conflicts[0].LocalUpdatedAt)

	require.NoError(t, d.engine.ResolveConflict(ctx, models.EntityLocation, "l", "p1", models.ResolutionAcceptRemote))
	restored := d.stored(t, models.EntityLocation, "l")
	require.NotNil(t, restored)
	assert.Equal(t, "rebuilt", restored.Name)
	assert.False(t, d.engine.Tombstones().IsDeleted(ctx, models.EntityLocation, "l"))
}

func TestEngine_KeepLocalDeletionWins(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	clk := &fakeClock{t: at(8, 0)}
	d := newTestDevice(t, mem, "a", clk)
	d.engine.SetOnline(true)

	_, err := d.engine.SaveLocal(ctx, entity(models.EntityLocation, "l", "harbor", at(8, 0)))
	require.NoError(t, err)
	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)
	clk.set(at(9, 0))
	require.NoError(t, d.engine.DeleteLocal(ctx, models.EntityLocation, "l", "p1"))
	_, err = d.engine.Sync(ctx)
	require.NoError(t, err)

	revived := entity(models.EntityLocation, "l", "rebuilt", at(9, 30))
	mem.Write(revived)
	_, err = d.engine.Pull(ctx, []models.ChangeNotification{noteFor(revived, models.OperationUpdate)})
	require.NoError(t, err)

	require.NoError(t, d.engine.ResolveConflict(ctx, models.EntityLocation, "l", "p1", models.ResolutionKeepLocal))

	ts, ok, err := d.engine.Tombstones().Lookup(ctx, models.EntityLocation, "l")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ts.DeletedAt.After(at(9, 30)))

	res, err := d.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Nil(t, mem.Get("p1", models.EntityLocation, "l"))
	assert.Nil(t, d.stored(t, models.EntityLocation, "l"))
}

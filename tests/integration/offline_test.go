// Integration tests for offline editing and later delivery between devices.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/storyforge/backend/internal/db"
	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/services"
	syncpkg "github.com/kimhsiao/storyforge/backend/internal/sync"
	"github.com/kimhsiao/storyforge/backend/internal/sync/gateway"
	"github.com/kimhsiao/storyforge/backend/internal/sync/listener"
	"github.com/kimhsiao/storyforge/backend/internal/sync/queue"
	"github.com/kimhsiao/storyforge/backend/internal/sync/remote"
	"github.com/kimhsiao/storyforge/backend/internal/sync/scheduler"
	"github.com/kimhsiao/storyforge/backend/internal/sync/tombstone"
)

// device is one desktop install: its own database, engine and scheduler.
type device struct {
	engine   *syncpkg.Engine
	sched    *scheduler.Scheduler
	entities *services.EntityService
}

func newDevice(t *testing.T, mem *remote.Memory, id string) *device {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	q := queue.NewSyncQueue(repo, queue.DefaultConfig())
	require.NoError(t, q.Load(ctx))

	client := mem.Client(id)
	engine := syncpkg.NewEngine(repo, q, tombstone.New(repo), client, gateway.New(), syncpkg.DefaultConfig())
	sched := scheduler.NewScheduler(engine, client, engine.Tombstones(), repo.ListProjectIDs, scheduler.Config{
		SyncInterval:        time.Hour,
		MaintenanceInterval: time.Hour,
		Listener:            listener.Config{BatchSize: 1, FlushInterval: 5 * time.Millisecond},
	})
	t.Cleanup(sched.Stop)

	return &device{engine: engine, sched: sched, entities: services.NewEntityService(engine)}
}

func (d *device) repo(t *testing.T, typ models.EntityType) *services.Repository {
	t.Helper()
	r, err := d.entities.Repository(typ)
	require.NoError(t, err)
	return r
}

func (d *device) idle() bool {
	st := d.sched.GetStatus()
	return st.LastSyncTime != nil && !st.SyncInProgress
}

// syncNow retries until no background cycle holds the slot.
func (d *device) syncNow(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := d.sched.SyncNow(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

// TestOfflineEditsReachOtherDevice edits on a disconnected device and
// checks the other device converges once it reconnects.
func TestOfflineEditsReachOtherDevice(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	laptop := newDevice(t, mem, "laptop")
	desktop := newDevice(t, mem, "desktop")

	laptop.sched.Start(ctx, "writer")
	desktop.sched.Start(ctx, "writer")
	require.Eventually(t, laptop.idle, time.Second, time.Millisecond)
	require.Eventually(t, desktop.idle, time.Second, time.Millisecond)

	laptop.sched.SetOnlineStatus(false)

	project, err := laptop.repo(t, models.EntityProject).Create(ctx, "", services.EntityInput{Name: "Saga"})
	require.NoError(t, err)
	desktop.sched.WatchProject(project.ID)
	require.Eventually(t, func() bool { return mem.Subscribers(project.ID) == 1 }, time.Second, time.Millisecond)

	chapter, err := laptop.repo(t, models.EntityChapter).Create(ctx, project.ID, services.EntityInput{
		Name:    "Opening",
		Payload: []byte(`{"order":1}`),
	})
	require.NoError(t, err)

	t.Run("queued while offline", func(t *testing.T) {
		_, err := laptop.sched.SyncNow(ctx)
		assert.True(t, apperrors.Is(err, apperrors.ErrSyncOffline), "got %v", err)
		assert.Equal(t, 2, laptop.engine.Queue().Len())
		assert.Nil(t, mem.Get(project.ID, models.EntityChapter, chapter.ID))
	})

	t.Run("local reads work offline", func(t *testing.T) {
		got, err := laptop.repo(t, models.EntityChapter).FindByID(ctx, chapter.ID)
		require.NoError(t, err)
		assert.Equal(t, "Opening", got.Name)
	})

	t.Run("delivered after reconnect", func(t *testing.T) {
		laptop.sched.SetOnlineStatus(true)
		require.Eventually(t, func() bool { return laptop.engine.Queue().Len() == 0 }, 2*time.Second, 5*time.Millisecond)

		require.Eventually(t, func() bool {
			got, err := desktop.engine.Get(ctx, models.EntityChapter, chapter.ID)
			return err == nil && got.Name == "Opening"
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("deletion propagates", func(t *testing.T) {
		require.NoError(t, laptop.repo(t, models.EntityChapter).Delete(ctx, chapter.ID))
		laptop.syncNow(t)

		require.Eventually(t, func() bool {
			_, err := desktop.engine.Get(ctx, models.EntityChapter, chapter.ID)
			return apperrors.Is(err, apperrors.ErrEntityNotFound)
		}, 2*time.Second, 5*time.Millisecond)
	})
}

// TestOfflineQueueSurvivesRestart reopens the queue from the same database.
func TestOfflineQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	database, err := db.OpenMigrated(dir)
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	q := queue.NewSyncQueue(repo, queue.DefaultConfig())
	require.NoError(t, q.Load(ctx))

	engine := syncpkg.NewEngine(repo, q, tombstone.New(repo), remote.NewMemory().Client("laptop"), nil, syncpkg.DefaultConfig())
	_, err = engine.SaveLocal(ctx, &models.Entity{
		ID: "c1", ProjectID: "p1", Type: models.EntityChapter, Name: "Draft", UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	repo.Close()
	require.NoError(t, database.Close())

	database, err = db.OpenMigrated(dir)
	require.NoError(t, err)
	defer database.Close()
	repo = db.NewRepository(database.DB)
	defer repo.Close()

	reopened := queue.NewSyncQueue(repo, queue.DefaultConfig())
	require.NoError(t, reopened.Load(ctx))
	assert.Equal(t, 1, reopened.Len())

	mem := remote.NewMemory()
	engine = syncpkg.NewEngine(repo, reopened, tombstone.New(repo), mem.Client("laptop"), nil, syncpkg.DefaultConfig())
	engine.SetOnline(true)
	_, err = engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.Len())
	assert.NotNil(t, mem.Get("p1", models.EntityChapter, "c1"))
}

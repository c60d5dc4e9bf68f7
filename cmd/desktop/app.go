package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kimhsiao/storyforge/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/storyforge/backend/internal/config"
	"github.com/kimhsiao/storyforge/backend/internal/crypto"
	"github.com/kimhsiao/storyforge/backend/internal/db"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/services"
	"github.com/kimhsiao/storyforge/backend/internal/session"
	syncpkg "github.com/kimhsiao/storyforge/backend/internal/sync"
	"github.com/kimhsiao/storyforge/backend/internal/sync/gateway"
	"github.com/kimhsiao/storyforge/backend/internal/sync/listener"
	"github.com/kimhsiao/storyforge/backend/internal/sync/queue"
	"github.com/kimhsiao/storyforge/backend/internal/sync/remote"
	"github.com/kimhsiao/storyforge/backend/internal/sync/s3"
	"github.com/kimhsiao/storyforge/backend/internal/sync/scheduler"
	"github.com/kimhsiao/storyforge/backend/internal/sync/tombstone"
	"github.com/kimhsiao/storyforge/backend/internal/uuid"
)

// secretKeyField binds the encrypted remote secret to its config key.
const secretKeyField = "remote.secret_key"

// remoteStore is what the engine and the listener both need.
type remoteStore interface {
	syncpkg.RemoteStore
	listener.Subscriber
}

// App owns every long-lived component of the desktop process.
type App struct {
	cfg      *config.Config
	deviceID string

	database  *db.DB
	repo      *db.Repository
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	hub       *WSHub
	server    *http.Server

	sessionEvents <-chan session.Event
	unsubscribe   func()
}

// NewApp opens storage and builds the sync core. Nothing runs until Run.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	deviceID := cfg.Remote.DeviceID
	if deviceID == "" {
		id, err := uuid.LoadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		deviceID = id
	}

	database, err := db.OpenMigrated(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(database.DB)

	app := &App{cfg: cfg, deviceID: deviceID, database: database, repo: repo}
	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	q := queue.NewSyncQueue(a.repo, queue.Config{
		MaxSize:     cfg.Sync.QueueMaxSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
	})
	if err := q.Load(ctx); err != nil {
		return err
	}

	store, err := a.openRemote(ctx)
	if err != nil {
		return err
	}

	gw := gateway.New()
	a.engine = syncpkg.NewEngine(a.repo, q, tombstone.New(a.repo), store, gw, syncpkg.Config{
		BatchSize: cfg.Sync.BatchSize,
	})
	a.scheduler = scheduler.NewScheduler(a.engine, store, a.engine.Tombstones(), a.repo.ListProjectIDs, scheduler.Config{
		SyncInterval:        cfg.Sync.Interval,
		MaintenanceInterval: cfg.Sync.MaintenanceInterval,
		CycleTimeout:        cfg.Sync.CycleTimeout,
		TombstoneRetention:  cfg.Sync.TombstoneRetention,
		Listener: listener.Config{
			BatchSize:     cfg.Sync.ListenerBatch,
			FlushInterval: cfg.Sync.ListenerFlush,
		},
	})
	a.sessions = session.NewManager()
	a.sessionEvents, a.unsubscribe = a.sessions.Subscribe(8)
	a.hub = NewWSHub(gw)

	a.server = &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: handlers.NewRouter(handlers.Options{
			Version:   version,
			Entities:  services.NewEntityService(a.engine),
			Engine:    a.engine,
			Scheduler: a.scheduler,
			Sessions:  a.sessions,
			Events:    a.hub,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// openRemote builds the configured remote store.
func (a *App) openRemote(ctx context.Context) (remoteStore, error) {
	rc := a.cfg.Remote
	switch rc.Kind {
	case "", "memory":
		logging.Warn("Using in-memory remote; changes leave this process only through it", map[string]interface{}{
			"device_id": a.deviceID,
		})
		return remote.NewMemory().Client(a.deviceID), nil

	case "s3":
		secret := rc.SecretKey
		if secret == "" && rc.SecretKeyEnc != "" {
			plain, err := crypto.DecryptSecret(rc.SecretKeyEnc, secretKeyField, []byte(a.deviceID))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt remote secret key: %w", err)
			}
			secret = plain
		}

		s3cfg, err := s3.Preset(s3.Config{
			Bucket:         rc.Bucket,
			Region:         rc.Region,
			Endpoint:       rc.Endpoint,
			AccessKey:      rc.AccessKey,
			SecretKey:      secret,
			UsePathStyle:   rc.ForcePathStyle,
			DeviceID:       a.deviceID,
			PollInterval:   rc.PollInterval,
			RequestTimeout: rc.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		store, err := s3.New(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		logging.Info("S3 remote configured", map[string]interface{}{
			"bucket":    s3cfg.Bucket,
			"region":    s3cfg.Region,
			"endpoint":  s3cfg.Endpoint,
			"device_id": a.deviceID,
		})
		return store, nil

	default:
		return nil, fmt.Errorf("unknown remote kind %q", rc.Kind)
	}
}

// Run serves the API and follows session changes until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		a.scheduler.Run(ctx, a.sessionEvents)
		done <- struct{}{}
	}()
	go func() {
		a.hub.Run(ctx)
		done <- struct{}{}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("Desktop API listening", map[string]interface{}{
			"addr":      a.cfg.HTTP.Addr,
			"device_id": a.deviceID,
			"version":   version,
		})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if shutdownErr := a.server.Shutdown(shutdownCtx); shutdownErr != nil {
		logging.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": shutdownErr.Error()})
	}

	cancel()
	<-done
	<-done
	logging.Info("Desktop API stopped")
	return err
}

// Prune drops deletion records older than the retention window.
func (a *App) Prune(ctx context.Context) (int, error) {
	return a.engine.Tombstones().Prune(ctx, a.cfg.Sync.TombstoneRetention, time.Now())
}

// Close releases storage. Safe after a failed NewApp.
func (a *App) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.database != nil {
		a.database.Close()
	}
}

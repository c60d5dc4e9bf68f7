// Package scheduler runs synchronization in the background for the
// duration of a user session: a periodic tick, an immediate cycle when the
// remote feed delivers changes, and deletion log maintenance.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
	"github.com/kimhsiao/storyforge/backend/internal/session"
	syncpkg "github.com/kimhsiao/storyforge/backend/internal/sync"
	"github.com/kimhsiao/storyforge/backend/internal/sync/listener"
	"github.com/kimhsiao/storyforge/backend/internal/sync/tombstone"
)

// ErrNotRunning is returned by SyncNow outside a session.
var ErrNotRunning = errors.New(errors.ErrSyncNotConfigured, "sync scheduler is not running")

// ProjectSource lists the projects to follow when a session starts.
type ProjectSource func(ctx context.Context) ([]string, error)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine   syncpkg.SyncEngineInterface
	listener *listener.Listener
	tombs    *tombstone.Log
	projects ProjectSource
	cfg      Config

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	userID       string
	runCtx       context.Context
	cancel       context.CancelFunc
	watched      map[string]struct{}
	needResync   map[string]struct{}
	lastSyncTime time.Time
	lastResult   *syncpkg.SyncResult
	lastErr      string
	lastPruned   int

	inProgress atomic.Bool
	loops      sync.WaitGroup
	cycles     sync.WaitGroup
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval        time.Duration // periodic cycle (default: 1 minute)
	MaintenanceInterval time.Duration // deletion log pruning (default: 1 hour)
	CycleTimeout        time.Duration // bound on a single cycle (default: 5 minutes)
	TombstoneRetention  time.Duration // default: 30 days
	Listener            listener.Config
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:        time.Minute,
		MaintenanceInterval: time.Hour,
		CycleTimeout:        5 * time.Minute,
		TombstoneRetention:  tombstone.DefaultRetention,
		Listener:            listener.DefaultConfig(),
	}
}

// NewScheduler creates a scheduler. feed is the remote change feed the
// listener subscribes to; projects may be nil.
func NewScheduler(engine syncpkg.SyncEngineInterface, feed listener.Subscriber, tombs *tombstone.Log, projects ProjectSource, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = def.TombstoneRetention
	}

	s := &Scheduler{
		engine:     engine,
		tombs:      tombs,
		projects:   projects,
		cfg:        cfg,
		isOnline:   true, // Assume online initially
		watched:    make(map[string]struct{}),
		needResync: make(map[string]struct{}),
	}
	s.listener = listener.New(feed, s.deliver, cfg.Listener)
	return s
}

// Run binds the scheduler to a session: login starts it, logout stops it.
// It returns when ctx is done or the event channel closes, stopping the
// scheduler on the way out.
func (s *Scheduler) Run(ctx context.Context, events <-chan session.Event) {
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventLogin:
				s.Stop()
				s.Start(ctx, ev.UserID)
			case session.EventLogout:
				s.Stop()
			}
		}
	}
}

// Start starts background sync for a user session.
func (s *Scheduler) Start(ctx context.Context, userID string) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.userID = userID
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	online := s.isOnline
	s.mu.Unlock()

	s.engine.SetOnline(online)

	projects := s.loadProjects(runCtx)
	s.mu.Lock()
	for _, pid := range projects {
		s.watched[pid] = struct{}{}
	}
	for pid := range s.watched {
		s.needResync[pid] = struct{}{}
	}
	watched := s.watchedLocked()
	s.mu.Unlock()

	s.listener.Start(runCtx, watched...)

	s.loops.Add(2)
	go s.periodicSyncLoop(runCtx)
	go s.maintenanceLoop(runCtx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"user_id":  userID,
		"projects": len(watched),
	})

	s.Trigger(runCtx)
}

// Stop ends the session's background sync. Timers are cancelled at once;
// a cycle already running is allowed to finish first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.cancel()
	user := s.userID
	s.userID = ""
	s.mu.Unlock()

	s.loops.Wait()
	s.cycles.Wait()
	s.listener.Stop()
	s.engine.SetOnline(false)

	logging.Info("Background sync scheduler stopped", map[string]interface{}{
		"user_id": user,
	})
}

// WatchProject follows a project's remote feed for the rest of the session
// and pulls its full state once.
func (s *Scheduler) WatchProject(projectID string) {
	s.mu.Lock()
	if _, ok := s.watched[projectID]; ok {
		s.mu.Unlock()
		return
	}
	s.watched[projectID] = struct{}{}
	s.needResync[projectID] = struct{}{}
	running := s.isRunning
	runCtx := s.runCtx
	s.mu.Unlock()

	if !running {
		return
	}
	if err := s.listener.Watch(projectID); err != nil {
		logging.Warn("Failed to watch project", map[string]interface{}{
			"project_id": projectID,
			"error":      err.Error(),
		})
	}
	s.Trigger(runCtx)
}

// SetOnlineStatus records a network transition. Coming back online starts
// a cycle so queued changes flush right away.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	runCtx := s.runCtx
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
	if !running {
		return
	}
	s.engine.SetOnline(isOnline)
	if isOnline && !wasOnline {
		s.Trigger(runCtx)
	}
}

// Trigger starts a cycle in the background. It returns false when a cycle
// is already running or the scheduler is stopped; the request is not queued.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if err := s.acquire(); err != nil {
		if err == syncpkg.ErrInProgress {
			logging.Debug("Sync already in progress, skipping", nil)
		}
		return false
	}

	go func() {
		defer s.cycles.Done()
		s.runCycle(ctx)
	}()
	return true
}

// SyncNow runs a cycle and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.cycles.Done()
	return s.runCycle(ctx)
}

// acquire claims the single cycle slot. The running check and the
// WaitGroup increment share the lock Stop takes before it waits.
func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return ErrNotRunning
	}
	if !s.inProgress.CompareAndSwap(false, true) {
		return syncpkg.ErrInProgress
	}
	s.cycles.Add(1)
	return nil
}

// runCycle must be entered with inProgress set. It keeps going while
// notifications or resyncs arrived during the previous round.
func (s *Scheduler) runCycle(ctx context.Context) (*syncpkg.SyncResult, error) {
	// Stop cancels ctx; the cycle still gets to finish its writes.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CycleTimeout)
	defer cancel()

	var (
		result *syncpkg.SyncResult
		err    error
	)
	// A transport failure takes the engine offline; each cycle probes again.
	if s.IsOnline() {
		s.engine.SetOnline(true)
	}

	for round := 0; ; round++ {
		for _, pid := range s.takeResyncs() {
			if _, rerr := s.engine.Resync(cycleCtx, pid); rerr != nil {
				s.requestResync(pid)
				s.logCycleError("Project resync failed", rerr, map[string]interface{}{"project_id": pid})
			}
		}

		result, err = s.engine.Sync(cycleCtx)
		s.record(result, err)
		if err != nil {
			break
		}
		if s.engine.PendingNotifications() == 0 || ctx.Err() != nil || round >= 10 {
			break
		}
	}

	s.inProgress.Store(false)

	// Work that arrived after the last check would otherwise wait for the
	// next tick.
	if ctx.Err() == nil && err == nil && s.hasWork() {
		s.Trigger(ctx)
	}
	return result, err
}

func (s *Scheduler) record(result *syncpkg.SyncResult, err error) {
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.logCycleError("Sync cycle failed", err, map[string]interface{}{
			"interval_seconds": s.cfg.SyncInterval.Seconds(),
		})
		return
	}

	s.mu.Lock()
	s.lastErr = ""
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	if result.Pushed+result.Pulled+result.Conflicts+result.Rejected > 0 {
		logging.Info("Sync cycle completed",
			map[string]interface{}{
				"pushed":        result.Pushed,
				"rejected":      result.Rejected,
				"dead_lettered": result.DeadLettered,
				"pulled":        result.Pulled,
				"suppressed":    result.Suppressed,
				"conflicts":     result.Conflicts,
				"duration_ms":   result.Duration.Milliseconds(),
			})
	}
}

// logCycleError keeps offline cycles out of the error log.
func (s *Scheduler) logCycleError(msg string, err error, fields map[string]interface{}) {
	if errors.Is(err, errors.ErrSyncOffline) || errors.Is(err, errors.ErrSyncInProgress) {
		fields["error"] = err.Error()
		logging.Debug(msg, fields)
		return
	}
	logging.ErrorWithCode(msg, string(errors.ErrSyncFailed), err, fields)
}

func (s *Scheduler) hasWork() bool {
	s.mu.RLock()
	pending := len(s.needResync) > 0 && s.isOnline
	running := s.isRunning
	s.mu.RUnlock()
	return running && (pending || s.engine.PendingNotifications() > 0)
}

func (s *Scheduler) takeResyncs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOnline {
		return nil
	}
	out := make([]string, 0, len(s.needResync))
	for pid := range s.needResync {
		out = append(out, pid)
	}
	sort.Strings(out)
	s.needResync = make(map[string]struct{})
	return out
}

func (s *Scheduler) requestResync(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needResync[projectID] = struct{}{}
}

// deliver is the listener sink: hand the batch to the engine and run a
// cycle for it now.
func (s *Scheduler) deliver(ctx context.Context, notes []models.ChangeNotification) {
	s.engine.Deliver(notes)
	if ctx.Err() != nil {
		return
	}
	s.Trigger(ctx)
}

// periodicSyncLoop runs a cycle every SyncInterval.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.Trigger(ctx)
		}
	}
}

// maintenanceLoop prunes the deletion log.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				logging.Error("Deletion log pruning failed", err, nil)
			}
		}
	}
}

// Prune drops tombstones older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	if s.tombs == nil {
		return 0, nil
	}
	n, err := s.tombs.Prune(ctx, s.cfg.TombstoneRetention, time.Now())
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastPruned = n
	s.mu.Unlock()
	return n, nil
}

func (s *Scheduler) loadProjects(ctx context.Context) []string {
	if s.projects == nil {
		return nil
	}
	projects, err := s.projects(ctx)
	if err != nil {
		logging.Error("Failed to list local projects", err, nil)
		return nil
	}
	return projects
}

// watchedLocked must be called with s.mu held.
func (s *Scheduler) watchedLocked() []string {
	out := make([]string, 0, len(s.watched))
	for pid := range s.watched {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	IsRunning      bool                `json:"isRunning"`
	IsOnline       bool                `json:"isOnline"`
	UserID         string              `json:"userId,omitempty"`
	SyncInProgress bool                `json:"syncInProgress"`
	LastSyncTime   *time.Time          `json:"lastSyncTime,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"lastResult,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
	LastPruned     int                 `json:"lastPruned"`
	Projects       []string            `json:"projects"`
	Listener       listener.Stats      `json:"listener"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		UserID:         s.userID,
		SyncInProgress: s.inProgress.Load(),
		LastResult:     s.lastResult,
		LastError:      s.lastErr,
		LastPruned:     s.lastPruned,
		Projects:       s.watchedLocked(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.Listener = s.listener.Stats()
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

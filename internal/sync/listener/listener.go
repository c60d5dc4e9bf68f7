// Package listener follows the remote change feed of the watched projects
// and forwards notifications to a sink in batches.
//
// Delivery from the remote is at-least-once and unordered across entities.
// Within one unflushed batch the listener drops a notification that is not
// newer than one already buffered for the same entity. Once a batch is
// flushed the entity is forgotten, so a redelivery reaches the sink again;
// the engine is idempotent.
package listener

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/storyforge/backend/internal/errors"
	"github.com/kimhsiao/storyforge/backend/internal/logging"
	"github.com/kimhsiao/storyforge/backend/internal/models"
)

// ErrNotRunning is returned by Watch before Start or after Stop.
var ErrNotRunning = apperrors.New(apperrors.ErrInvalid, "listener is not running")

// Subscriber is the subscribe half of a remote store.
type Subscriber interface {
	Subscribe(ctx context.Context, projectID string, onChange func(models.ChangeNotification)) error
}

// Sink receives forwarded batches.
type Sink func(ctx context.Context, notes []models.ChangeNotification)

// Config controls batching.
type Config struct {
	// BatchSize flushes as soon as this many notifications are buffered.
	BatchSize int
	// FlushInterval flushes whatever is buffered at this period.
	FlushInterval time.Duration
	// RetryDelay is the pause before resubscribing after a feed error.
	RetryDelay time.Duration
}

// DefaultConfig returns the default batching configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		RetryDelay:    5 * time.Second,
	}
}

// Stats counts notifications seen by the listener.
type Stats struct {
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

// Listener subscribes to remote projects and batches their notifications.
type Listener struct {
	remote Subscriber
	sink   Sink
	cfg    Config

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	watches map[string]context.CancelFunc
	newest  map[models.EntityKey]time.Time
	pending []models.ChangeNotification
	stats   Stats

	full chan struct{}
	wg   sync.WaitGroup
}

// New creates a listener.
func New(remote Subscriber, sink Sink, cfg Config) *Listener {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Listener{
		remote:  remote,
		sink:    sink,
		cfg:     cfg,
		watches: make(map[string]context.CancelFunc),
		newest:  make(map[models.EntityKey]time.Time),
		full:    make(chan struct{}, 1),
	}
}

// Start begins listening to the given projects. Starting a running
// listener only adds the projects.
func (l *Listener) Start(ctx context.Context, projectIDs ...string) {
	l.mu.Lock()
	if !l.running {
		l.running = true
		l.ctx, l.cancel = context.WithCancel(ctx)
		l.wg.Add(1)
		go l.flushLoop(l.ctx)
		logging.Info("Remote change listener started", nil)
	}
	l.mu.Unlock()

	for _, pid := range projectIDs {
		_ = l.Watch(pid)
	}
}

// Watch subscribes to a project. Watching a project twice is a no-op.
func (l *Listener) Watch(projectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return ErrNotRunning
	}
	if _, ok := l.watches[projectID]; ok {
		return nil
	}

	wctx, cancel := context.WithCancel(l.ctx)
	l.watches[projectID] = cancel
	l.wg.Add(1)
	go l.subscribeLoop(wctx, projectID)

	logging.Debug("Watching project", map[string]interface{}{
		"project_id": projectID,
	})
	return nil
}

// Unwatch stops following a project.
func (l *Listener) Unwatch(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.watches[projectID]; ok {
		cancel()
		delete(l.watches, projectID)
	}
}

// Watching returns the followed projects, sorted.
func (l *Listener) Watching() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.watches))
	for pid := range l.watches {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out
}

// Running reports whether the listener is started.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns notification counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Stop cancels every subscription, waits for them to return and flushes
// what is still buffered.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.watches = make(map[string]context.CancelFunc)
	l.mu.Unlock()

	l.wg.Wait()
	l.flush(context.Background())

	logging.Info("Remote change listener stopped", nil)
}

func (l *Listener) subscribeLoop(ctx context.Context, projectID string) {
	defer l.wg.Done()
	for {
		err := l.remote.Subscribe(ctx, projectID, l.receive)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Warn("Remote feed failed, resubscribing", map[string]interface{}{
				"project_id": projectID,
				"error":      err.Error(),
				"retry_in":   l.cfg.RetryDelay.String(),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.RetryDelay):
		}
	}
}

func (l *Listener) receive(n models.ChangeNotification) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Received++
	key := n.Key()
	if last, ok := l.newest[key]; ok && !n.UpdatedAt.After(last) {
		l.stats.Dropped++
		return
	}
	l.newest[key] = n.UpdatedAt
	l.pending = append(l.pending, n)

	if len(l.pending) >= l.cfg.BatchSize {
		select {
		case l.full <- struct{}{}:
		default:
		}
	}
}

func (l *Listener) flushLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush(ctx)
		case <-l.full:
			l.flush(ctx)
		}
	}
}

func (l *Listener) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	if len(batch) > 0 {
		l.newest = make(map[models.EntityKey]time.Time)
	}
	l.stats.Forwarded += uint64(len(batch))
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	logging.Debug("Forwarding remote notifications", map[string]interface{}{
		"count": len(batch),
	})
	l.sink(ctx, batch)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"sitesync/internal/capture"
	"sitesync/internal/config"
	"sitesync/internal/connectivity"
	"sitesync/internal/logging"
	"sitesync/internal/notifications"
	"sitesync/internal/syncer"
	"sitesync/internal/uploader"
)

// Engine coordinates the background sync services and enforces
// single-instance execution over the shared queue database.
type Engine struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *capture.Store
	intake      *capture.Intake
	monitor     *connectivity.Monitor
	netlink     *connectivity.NetlinkListener
	coordinator *syncer.Coordinator
	notifier    notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Snapshot captures engine runtime state for the status API and CLI.
type Snapshot struct {
	Running      bool
	Online       bool
	LastChange   time.Time
	InFlight     int
	Queue        capture.Summary
	QueueDBPath  string
	LockFilePath string
}

// New constructs an engine with initialized dependencies. The caller owns the
// store and closes it after Stop.
func New(cfg *config.Config, store *capture.Store, logger *slog.Logger) (*Engine, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("engine requires config, store, and logger")
	}

	monitor := connectivity.NewMonitor(cfg, logger)
	notifier := notifications.NewService(cfg)
	client := uploader.NewClient(cfg)
	coordinator := syncer.NewCoordinator(cfg, store, client, monitor, notifier, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "sitesyncd.lock")
	return &Engine{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "engine"),
		store:       store,
		intake:      capture.NewIntake(store, cfg.MaxPayloadBytes()),
		monitor:     monitor,
		netlink:     connectivity.NewNetlinkListener(cfg, logger, monitor),
		coordinator: coordinator,
		notifier:    notifier,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, recovers interrupted attempts, and
// launches the monitor and coordinator.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return errors.New("engine already running")
	}

	ok, err := e.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another sitesync daemon instance is already running")
	}

	recovered, err := e.store.RecoverInFlight(ctx)
	if err != nil {
		_ = e.lock.Unlock()
		return fmt.Errorf("recover interrupted attempts: %w", err)
	}
	if recovered > 0 {
		e.logger.Info("recovered interrupted attempts",
			logging.Int64("count", recovered),
			logging.String(logging.FieldEventType, "startup_recovery"),
		)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.monitor.Start(ctx)
	if err := e.netlink.Start(ctx); err != nil {
		e.logger.Warn("netlink listener failed to start", logging.Error(err))
	}
	e.coordinator.Start(ctx)
	e.coordinator.Kick()

	e.running.Store(true)
	e.logger.Info("sitesync daemon started",
		logging.String("lock", e.lockPath),
		logging.String("db", e.store.Path()),
	)
	return nil
}

// Stop halts background services and releases the instance lock.
func (e *Engine) Stop() {
	if !e.running.Load() {
		return
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.coordinator.Stop()
	e.netlink.Stop()
	e.monitor.Stop()

	if err := e.lock.Unlock(); err != nil {
		e.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	e.running.Store(false)
	e.logger.Info("sitesync daemon stopped")
}

// Close stops the engine and closes the store.
func (e *Engine) Close() error {
	e.Stop()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Enqueue records a new capture durably. The coordinator picks it up on its
// next pass; an explicit kick makes that immediate when online.
func (e *Engine) Enqueue(ctx context.Context, payload []byte, category capture.Category, capturedAt time.Time, geo *capture.Geolocation) (*capture.Record, error) {
	record, err := e.intake.Enqueue(ctx, payload, category, capturedAt, geo)
	if err != nil {
		return nil, err
	}
	e.logger.Info("capture enqueued",
		logging.String(logging.FieldClientID, record.ClientID),
		logging.String(logging.FieldCategory, string(record.Category)),
	)
	e.coordinator.Kick()
	return record, nil
}

// ListQueue returns capture records filtered by optional statuses.
func (e *Engine) ListQueue(ctx context.Context, statuses ...capture.Status) ([]*capture.Record, error) {
	return e.store.List(ctx, statuses...)
}

// GetRecord fetches one capture record by its client identifier.
func (e *Engine) GetRecord(ctx context.Context, clientID string) (*capture.Record, error) {
	return e.store.GetByClientID(ctx, clientID)
}

// Requeue represents a terminal record as a fresh pending capture and wakes
// the coordinator.
func (e *Engine) Requeue(ctx context.Context, clientID string) (*capture.Record, error) {
	record, err := e.store.Requeue(ctx, clientID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("terminal capture requeued",
		logging.String("original", clientID),
		logging.String(logging.FieldClientID, record.ClientID),
	)
	e.coordinator.Kick()
	return record, nil
}

// TriggerSync probes connectivity and schedules an immediate drain pass.
func (e *Engine) TriggerSync() {
	e.monitor.Kick()
	e.coordinator.Kick()
}

// PruneSucceeded removes resolved records older than the cutoff along with
// spooled payloads nothing references anymore.
func (e *Engine) PruneSucceeded(ctx context.Context, olderThan time.Time) (int64, error) {
	pruned, err := e.store.PruneSucceeded(ctx, olderThan)
	if err != nil {
		return pruned, err
	}
	if pruned > 0 {
		e.logger.Info("pruned succeeded captures", logging.Int64("count", pruned))
	}
	return pruned, nil
}

// TestNotification sends a test message through the configured notifier.
func (e *Engine) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(e.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := e.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current engine snapshot.
func (e *Engine) Status(ctx context.Context) (Snapshot, error) {
	summary, err := e.store.Summary(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue summary: %w", err)
	}
	return Snapshot{
		Running:      e.running.Load(),
		Online:       e.monitor.Online(),
		LastChange:   e.monitor.LastChange(),
		InFlight:     e.coordinator.InFlight(),
		Queue:        summary,
		QueueDBPath:  e.store.Path(),
		LockFilePath: e.lockPath,
	}, nil
}

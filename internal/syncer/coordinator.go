package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"sitesync/internal/capture"
	"sitesync/internal/config"
	"sitesync/internal/connectivity"
	"sitesync/internal/logging"
	"sitesync/internal/notifications"
	"sitesync/internal/uploader"
)

// safetyPollInterval bounds how long the coordinator sleeps without
// re-checking the queue, even with no events arriving.
const safetyPollInterval = 60 * time.Second

// Link is the coordinator's view of the connectivity monitor.
type Link interface {
	Online() bool
	Subscribe() <-chan connectivity.Event
}

// Coordinator drains eligible capture records to the upload service. It is
// the sole writer of transmission state transitions while running.
type Coordinator struct {
	store    *capture.Store
	client   uploader.Client
	link     Link
	notifier notifications.Service
	logger   *slog.Logger

	attemptTimeout time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration
	maxAttempts    int

	sem  *semaphore.Weighted
	kick chan struct{}

	inFlight atomic.Int64
	uploaded atomic.Int64

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	attempts   sync.WaitGroup
	drainStart time.Time
	drained    bool
}

// NewCoordinator wires a coordinator from configuration and collaborators.
func NewCoordinator(
	cfg *config.Config,
	store *capture.Store,
	client uploader.Client,
	link Link,
	notifier notifications.Service,
	logger *slog.Logger,
) *Coordinator {
	maxInFlight := int64(cfg.Upload.MaxInFlight)
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Coordinator{
		store:          store,
		client:         client,
		link:           link,
		notifier:       notifier,
		logger:         logging.NewComponentLogger(logger, "coordinator"),
		attemptTimeout: time.Duration(cfg.Upload.AttemptTimeout) * time.Second,
		backoffBase:    time.Duration(cfg.Upload.BackoffBase) * time.Second,
		backoffCap:     time.Duration(cfg.Upload.BackoffCap) * time.Second,
		maxAttempts:    cfg.Upload.MaxAttempts,
		sem:            semaphore.NewWeighted(maxInFlight),
		kick:           make(chan struct{}, 1),
	}
}

// Kick schedules an immediate drain pass. Safe from any goroutine.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// InFlight reports the number of attempts currently running.
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}

// Start launches the coordinator loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Stop cancels the loop and waits for running attempts to settle. Attempts
// interrupted here resolve through the in-flight recovery path on the next
// startup; the service's idempotency by client_id makes re-sends harmless.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	c.attempts.Wait()
}

func (c *Coordinator) run(ctx context.Context) {
	events := c.link.Subscribe()
	timer := time.NewTimer(safetyPollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if c.link.Online() {
			c.drain(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.nextWake(ctx))

		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if event.Kind == connectivity.EventOnline {
				c.logger.Info("connectivity restored, draining queue",
					logging.String(logging.FieldEventType, "drain_triggered"),
				)
			}
		case <-c.kick:
		case <-timer.C:
		}
	}
}

// nextWake returns how long the loop may sleep. The earliest retry gate wins
// when it lands before the safety poll.
func (c *Coordinator) nextWake(ctx context.Context) time.Duration {
	wait := safetyPollInterval
	wake, err := c.store.NextRetryWakeAt(ctx, time.Now().UTC())
	if err != nil {
		c.logger.Warn("failed to read retry wake time",
			logging.Error(err),
		)
		return wait
	}
	if wake == nil {
		return wait
	}
	until := time.Until(*wake)
	if until < 50*time.Millisecond {
		until = 50 * time.Millisecond
	}
	if until < wait {
		wait = until
	}
	return wait
}

// drain claims eligible records oldest-first and launches bounded concurrent
// attempts until the queue has nothing eligible right now.
func (c *Coordinator) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil || !c.link.Online() {
			return
		}

		record, err := c.store.NextEligible(ctx, time.Now().UTC())
		if err != nil {
			c.logger.Error("failed to scan queue",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_scan_failed"),
			)
			_ = c.notifier.NotifyError(ctx, err, "queue scan")
			return
		}
		if record == nil {
			c.maybeAnnounceDrained(ctx)
			return
		}

		c.noteBacklog()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		// The wait for a slot can outlive the link. New attempts start only
		// while online.
		if !c.link.Online() {
			c.sem.Release(1)
			return
		}

		claimed, err := c.store.Claim(ctx, record.ClientID)
		if err != nil {
			c.sem.Release(1)
			c.logger.Error("failed to claim record",
				logging.Error(err),
				logging.String(logging.FieldClientID, record.ClientID),
			)
			return
		}
		if !claimed {
			c.sem.Release(1)
			continue
		}

		attempt := record.AttemptCount + 1
		c.inFlight.Add(1)
		c.attempts.Add(1)
		go func(record *capture.Record, attempt int) {
			defer c.attempts.Done()
			defer c.sem.Release(1)
			defer c.inFlight.Add(-1)
			c.attemptUpload(ctx, record, attempt)
			c.Kick()
		}(record, attempt)
	}
}

func (c *Coordinator) attemptUpload(ctx context.Context, record *capture.Record, attempt int) {
	logger := c.logger.With(
		logging.String(logging.FieldClientID, record.ClientID),
		logging.String(logging.FieldCategory, string(record.Category)),
		logging.Int(logging.FieldAttempt, attempt),
	)

	// State writes below must land even when the daemon is shutting down,
	// so they run on a context detached from cancellation.
	writeCtx := context.WithoutCancel(ctx)

	payload, err := c.store.ReadPayload(record)
	if err != nil {
		logger.Error("payload unreadable, quarantining record",
			logging.Error(err),
			logging.String(logging.FieldEventType, "payload_quarantined"),
			logging.String(logging.FieldErrorHint, "inspect the spool directory for tampering or disk faults"),
		)
		if qerr := c.store.Quarantine(writeCtx, record.ClientID, err.Error()); qerr != nil {
			logger.Error("failed to quarantine record", logging.Error(qerr))
		}
		_ = c.notifier.NotifyError(writeCtx, err, "payload integrity")
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	start := time.Now()
	serverRef, err := c.client.Upload(attemptCtx, record, payload)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err == nil {
		if merr := c.store.MarkSucceeded(writeCtx, record.ClientID, serverRef); merr != nil {
			logger.Error("failed to record success", logging.Error(merr))
			return
		}
		c.uploaded.Add(1)
		logger.Info("capture uploaded",
			logging.String("server_ref", serverRef),
			logging.Duration("elapsed", elapsed),
			logging.String(logging.FieldEventType, "upload_succeeded"),
		)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt. Leave the record in_flight;
		// startup recovery returns it to pending.
		logger.Info("attempt interrupted by shutdown",
			logging.String(logging.FieldEventType, "upload_interrupted"),
		)
		return
	}

	if uploader.IsPermanent(err) {
		cause := err.Error()
		if merr := c.store.MarkTerminal(writeCtx, record.ClientID, cause); merr != nil {
			logger.Error("failed to record terminal failure", logging.Error(merr))
			return
		}
		logger.Warn("capture permanently rejected",
			logging.Error(err),
			logging.String(logging.FieldEventType, "upload_terminal"),
			logging.String(logging.FieldErrorHint, "requeue manually after fixing the cause"),
		)
		_ = c.notifier.NotifyTerminalFailure(writeCtx, record.ClientID, string(record.Category), cause)
		return
	}

	if attempt >= c.maxAttempts {
		cause := fmt.Sprintf("gave up after %d attempts: %v", attempt, err)
		if merr := c.store.MarkTerminal(writeCtx, record.ClientID, cause); merr != nil {
			logger.Error("failed to record terminal failure", logging.Error(merr))
			return
		}
		logger.Warn("retry budget exhausted",
			logging.Error(err),
			logging.String(logging.FieldEventType, "upload_terminal"),
		)
		_ = c.notifier.NotifyTerminalFailure(writeCtx, record.ClientID, string(record.Category), cause)
		return
	}

	delay := Delay(c.backoffBase, c.backoffCap, attempt)
	gate := time.Now().UTC().Add(delay)
	if merr := c.store.MarkRetryable(writeCtx, record.ClientID, err.Error(), gate); merr != nil {
		logger.Error("failed to record retryable failure", logging.Error(merr))
		return
	}
	logger.Info("transient failure, retry scheduled",
		logging.Error(err),
		logging.Duration("backoff", delay),
		logging.Time("next_eligible_at", gate),
		logging.String(logging.FieldEventType, "upload_retry_scheduled"),
	)
}

// noteBacklog marks the start of a drain window the first time work shows up
// after the queue was last empty.
func (c *Coordinator) noteBacklog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained || c.drainStart.IsZero() {
		c.drained = false
		c.drainStart = time.Now()
		c.uploaded.Store(0)
	}
}

// maybeAnnounceDrained fires the backlog-drained notification once per drain
// window, after the last in-flight attempt has settled.
func (c *Coordinator) maybeAnnounceDrained(ctx context.Context) {
	if c.inFlight.Load() != 0 {
		return
	}

	c.mu.Lock()
	if c.drained || c.drainStart.IsZero() {
		c.mu.Unlock()
		return
	}
	uploaded := int(c.uploaded.Load())
	elapsed := time.Since(c.drainStart)
	c.drained = true
	c.mu.Unlock()

	if uploaded == 0 {
		return
	}

	c.logger.Info("backlog drained",
		logging.Int("uploaded", uploaded),
		logging.Duration("elapsed", elapsed.Round(time.Second)),
		logging.String(logging.FieldEventType, "backlog_drained"),
	)
	_ = c.notifier.NotifyBacklogDrained(ctx, uploaded, elapsed)
}

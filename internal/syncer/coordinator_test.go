package syncer_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sitesync/internal/capture"
	"sitesync/internal/connectivity"
	"sitesync/internal/logging"
	"sitesync/internal/syncer"
	"sitesync/internal/testsupport"
	"sitesync/internal/uploader"
)

type fakeLink struct {
	online atomic.Bool
	events chan connectivity.Event
}

func newFakeLink(online bool) *fakeLink {
	link := &fakeLink{events: make(chan connectivity.Event, 8)}
	link.online.Store(online)
	return link
}

func (l *fakeLink) Online() bool                         { return l.online.Load() }
func (l *fakeLink) Subscribe() <-chan connectivity.Event { return l.events }

func (l *fakeLink) goOnline() {
	l.online.Store(true)
	l.events <- connectivity.Event{Kind: connectivity.EventOnline, At: time.Now()}
}

func (l *fakeLink) goOffline() {
	l.online.Store(false)
	l.events <- connectivity.Event{Kind: connectivity.EventOffline, At: time.Now()}
}

type fakeClient struct {
	mu       sync.Mutex
	attempts map[string]int
	respond  func(record *capture.Record, attempt int) (string, error)
}

func newFakeClient(respond func(record *capture.Record, attempt int) (string, error)) *fakeClient {
	return &fakeClient{attempts: make(map[string]int), respond: respond}
}

func (c *fakeClient) Upload(ctx context.Context, record *capture.Record, payload []byte) (string, error) {
	c.mu.Lock()
	c.attempts[record.ClientID]++
	attempt := c.attempts[record.ClientID]
	c.mu.Unlock()
	return c.respond(record, attempt)
}

func (c *fakeClient) attemptCount(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[clientID]
}

type noopNotifier struct{}

func (noopNotifier) NotifyTerminalFailure(context.Context, string, string, string) error { return nil }
func (noopNotifier) NotifyBacklogDrained(context.Context, int, time.Duration) error      { return nil }
func (noopNotifier) NotifyError(context.Context, error, string) error                    { return nil }
func (noopNotifier) TestNotification(context.Context) error                              { return nil }

func waitForStatus(t *testing.T, store *capture.Store, clientID string, want capture.Status) *capture.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := store.GetByClientID(context.Background(), clientID)
		if err != nil {
			t.Fatalf("fetch record: %v", err)
		}
		if record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	record, _ := store.GetByClientID(context.Background(), clientID)
	t.Fatalf("record %s never reached %s (last status %s)", clientID, want, record.Status)
	return nil
}

func TestCoordinatorUploadsBacklogWhenOnline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	var ids []string
	for i := 0; i < 5; i++ {
		record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())
		ids = append(ids, record.ClientID)
	}

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		return "srv-" + record.ClientID[:8], nil
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	for _, id := range ids {
		record := waitForStatus(t, store, id, capture.StatusSucceeded)
		if record.ServerRef == "" {
			t.Fatalf("succeeded record %s is missing its server reference", id)
		}
	}
}

func TestCoordinatorDrainsOldestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxInFlight(1))
	store := testsupport.MustOpenStore(t, cfg)

	first := testsupport.MustEnqueue(t, store, capture.CategoryBefore, time.Now().UTC())
	second := testsupport.MustEnqueue(t, store, capture.CategoryAfter, time.Now().UTC())

	var mu sync.Mutex
	var order []string
	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		mu.Lock()
		order = append(order, record.ClientID)
		mu.Unlock()
		return "srv-ref", nil
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	waitForStatus(t, store, second.ClientID, capture.StatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != first.ClientID {
		t.Fatalf("uploads out of order: got %v, want %s first", order, first.ClientID)
	}
}

func TestCoordinatorHonorsConcurrencyBound(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxInFlight(2))
	store := testsupport.MustOpenStore(t, cfg)

	for i := 0; i < 6; i++ {
		testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())
	}

	var concurrent, peak atomic.Int64
	release := make(chan struct{})
	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		now := concurrent.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return "srv-ref", nil
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())

	// Let attempts pile up against the semaphore, then release them all.
	time.Sleep(200 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		summary, err := store.Summary(context.Background())
		if err != nil {
			t.Fatalf("summary: %v", err)
		}
		if summary.Succeeded == 6 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	coord.Stop()

	if got := peak.Load(); got > 2 {
		t.Fatalf("concurrent attempts peaked at %d, bound is 2", got)
	}
	summary, err := store.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6", summary.Succeeded)
	}
}

func TestCoordinatorStaysIdleWhileOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	record := testsupport.MustEnqueue(t, store, capture.CategoryDetail, time.Now().UTC())

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		return "srv-ref", nil
	})
	link := newFakeLink(false)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	coord.Kick()
	time.Sleep(150 * time.Millisecond)

	if got := client.attemptCount(record.ClientID); got != 0 {
		t.Fatalf("offline coordinator made %d attempts", got)
	}

	link.goOnline()
	waitForStatus(t, store, record.ClientID, capture.StatusSucceeded)
}

func TestCoordinatorMarksPermanentRejectionTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		return "", uploader.Wrap(uploader.ErrPermanent, "upload", "service returned 422", nil)
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	got := waitForStatus(t, store, record.ClientID, capture.StatusFailedTerminal)
	if got.AttemptCount != 1 {
		t.Fatalf("permanent rejection should stop after one attempt, counted %d", got.AttemptCount)
	}
	if got.LastError == "" {
		t.Fatal("terminal record should retain its last error")
	}
}

func TestCoordinatorExhaustsRetryBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	cfg.Upload.BackoffBase = 0
	cfg.Upload.BackoffCap = 0
	store := testsupport.MustOpenStore(t, cfg)
	record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		return "", uploader.Wrap(uploader.ErrTransient, "upload", "service returned 503", nil)
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	got := waitForStatus(t, store, record.ClientID, capture.StatusFailedTerminal)
	if got.AttemptCount != 3 {
		t.Fatalf("attempt count = %d, want budget of 3", got.AttemptCount)
	}
	if client.attemptCount(record.ClientID) != 3 {
		t.Fatalf("client saw %d attempts, want 3", client.attemptCount(record.ClientID))
	}
}

func TestCoordinatorStopsLaunchingWhenLinkDrops(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxInFlight(1))
	store := testsupport.MustOpenStore(t, cfg)

	first := testsupport.MustEnqueue(t, store, capture.CategoryBefore, time.Now().UTC().Add(-2*time.Minute))
	second := testsupport.MustEnqueue(t, store, capture.CategoryAfter, time.Now().UTC().Add(-time.Minute))

	started := make(chan string, 2)
	release := make(chan struct{})
	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		started <- record.ClientID
		<-release
		return "srv-" + record.ClientID[:8], nil
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	select {
	case id := <-started:
		if id != first.ClientID {
			t.Fatalf("first attempt was for %s, want %s", id, first.ClientID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first upload never started")
	}

	// Let the drain loop queue up behind the single occupied slot, then drop
	// the link before that slot frees.
	time.Sleep(100 * time.Millisecond)
	link.goOffline()
	close(release)

	waitForStatus(t, store, first.ClientID, capture.StatusSucceeded)

	select {
	case id := <-started:
		t.Fatalf("attempt for %s launched while offline", id)
	case <-time.After(300 * time.Millisecond):
	}
	got, err := store.GetByClientID(context.Background(), second.ClientID)
	if err != nil {
		t.Fatalf("fetch second record: %v", err)
	}
	if got.Status != capture.StatusPending {
		t.Fatalf("second record status = %s, want pending while offline", got.Status)
	}
}

func TestCoordinatorSucceedsAfterTransientFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(8))
	cfg.Upload.BackoffBase = 0
	cfg.Upload.BackoffCap = 0
	store := testsupport.MustOpenStore(t, cfg)
	record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		if attempt <= 3 {
			return "", uploader.Wrap(uploader.ErrTransient, "upload", "request timed out", nil)
		}
		return "srv-finally", nil
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	deadline := time.Now().Add(15 * time.Second)
	var got *capture.Record
	for time.Now().Before(deadline) {
		var err error
		got, err = store.GetByClientID(context.Background(), record.ClientID)
		if err != nil {
			t.Fatalf("fetch record: %v", err)
		}
		if got.Status == capture.StatusSucceeded {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got == nil || got.Status != capture.StatusSucceeded {
		t.Fatalf("record never succeeded after transient failures")
	}
	if got.AttemptCount != 4 {
		t.Fatalf("attempt count = %d, want 4", got.AttemptCount)
	}
	if got.ServerRef != "srv-finally" {
		t.Fatalf("server ref = %q, want srv-finally", got.ServerRef)
	}
	if got.LastError == "" {
		t.Fatal("last error should be retained for diagnostics even after success")
	}
}

func TestCoordinatorParksTransientFailureBehindGate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Upload.BackoffBase = 3600
	cfg.Upload.BackoffCap = 7200
	store := testsupport.MustOpenStore(t, cfg)
	record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		return "", uploader.Wrap(uploader.ErrTransient, "upload", "connection reset", nil)
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	got := waitForStatus(t, store, record.ClientID, capture.StatusFailedRetryable)
	if got.NextEligibleAt == nil {
		t.Fatal("retryable record is missing its eligibility gate")
	}
	if !got.NextEligibleAt.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("eligibility gate %s is too close for an hour-long backoff", got.NextEligibleAt)
	}

	// The gated record must not be retried while its gate is in the future.
	coord.Kick()
	time.Sleep(150 * time.Millisecond)
	if got := client.attemptCount(record.ClientID); got != 1 {
		t.Fatalf("gated record was attempted %d times, want 1", got)
	}
}

func TestCoordinatorQuarantinesCorruptPayload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())

	// Tamper with the spooled payload so the digest check fails.
	spoolPath := filepath.Join(cfg.Paths.SpoolDir, record.PayloadRef)
	if err := os.WriteFile(spoolPath, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper with spool file: %v", err)
	}

	client := newFakeClient(func(record *capture.Record, attempt int) (string, error) {
		return "srv-ref", nil
	})
	link := newFakeLink(true)

	coord := syncer.NewCoordinator(cfg, store, client, link, noopNotifier{}, logging.NewNop())
	coord.Start(context.Background())
	defer coord.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetByClientID(context.Background(), record.ClientID)
		if err != nil {
			t.Fatalf("fetch record: %v", err)
		}
		if got.Quarantined {
			if client.attemptCount(record.ClientID) != 0 {
				t.Fatal("corrupt payload must never reach the upload client")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("corrupt record was never quarantined")
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	limit := 300 * time.Second

	for attempt := 1; attempt <= 12; attempt++ {
		delay := syncer.Delay(base, limit, attempt)

		ideal := base << (attempt - 1)
		if ideal > limit || ideal <= 0 {
			ideal = limit
		}
		low := time.Duration(float64(ideal) * 0.8)
		high := time.Duration(float64(ideal) * 1.2)
		if delay < low || delay > high {
			t.Fatalf("attempt %d: delay %s outside jitter band [%s, %s]", attempt, delay, low, high)
		}
	}
}

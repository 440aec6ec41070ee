package engine_test

import (
	"context"
	"testing"
	"time"

	"sitesync/internal/capture"
	"sitesync/internal/engine"
	"sitesync/internal/logging"
	"sitesync/internal/testsupport"
)

func newEngine(t *testing.T) (*engine.Engine, *capture.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	// An unreachable probe target keeps the monitor offline so tests stay
	// deterministic without a network.
	cfg.Connectivity.ProbeURL = "http://127.0.0.1:1/probe"
	cfg.Connectivity.ProbeTimeout = 1
	cfg.Connectivity.NetlinkEvents = false

	store := testsupport.MustOpenStore(t, cfg)
	eng, err := engine.New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, store
}

func TestEngineStartStopLifecycle(t *testing.T) {
	eng, _ := newEngine(t)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	status, err := eng.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("engine should report running after Start")
	}

	eng.Stop()
	status, err = eng.Status(context.Background())
	if err != nil {
		t.Fatalf("Status after Stop: %v", err)
	}
	if status.Running {
		t.Fatal("engine should report stopped after Stop")
	}
}

func TestEngineLockPreventsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Connectivity.ProbeURL = "http://127.0.0.1:1/probe"
	cfg.Connectivity.ProbeTimeout = 1
	cfg.Connectivity.NetlinkEvents = false

	store := testsupport.MustOpenStore(t, cfg)
	first, err := engine.New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start first instance: %v", err)
	}
	defer first.Stop()

	second, err := engine.New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("engine.New second: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance acquired the lock while the first held it")
	}
}

func TestEngineRecoversInterruptedAttemptsOnStart(t *testing.T) {
	eng, store := newEngine(t)

	record := testsupport.MustEnqueue(t, store, capture.CategoryDuring, time.Now().UTC())
	claimed, err := store.Claim(context.Background(), record.ClientID)
	if err != nil || !claimed {
		t.Fatalf("claim record: claimed=%v err=%v", claimed, err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	got, err := store.GetByClientID(context.Background(), record.ClientID)
	if err != nil {
		t.Fatalf("fetch record: %v", err)
	}
	if got.Status != capture.StatusPending {
		t.Fatalf("interrupted record status = %s, want pending after recovery", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("recovery should retain the attempt count, got %d", got.AttemptCount)
	}
}

func TestEngineEnqueueAndRequeue(t *testing.T) {
	eng, store := newEngine(t)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	record, err := eng.Enqueue(context.Background(), []byte("jpeg-bytes"), capture.CategoryBefore, time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if record.Status != capture.StatusPending {
		t.Fatalf("fresh capture status = %s, want pending", record.Status)
	}

	// Requeue requires a terminal record.
	if _, err := eng.Requeue(context.Background(), record.ClientID); err == nil {
		t.Fatal("requeue of a pending record should fail")
	}

	if ok, err := store.Claim(context.Background(), record.ClientID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.MarkTerminal(context.Background(), record.ClientID, "rejected"); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	fresh, err := eng.Requeue(context.Background(), record.ClientID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if fresh.ClientID == record.ClientID {
		t.Fatal("requeue must mint a new client identifier")
	}
	if fresh.PayloadRef != record.PayloadRef {
		t.Fatal("requeued capture should share the original spooled payload")
	}
}

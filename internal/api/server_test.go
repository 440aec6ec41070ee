package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"sitesync/internal/api"
	"sitesync/internal/capture"
	"sitesync/internal/engine"
	"sitesync/internal/logging"
	"sitesync/internal/testsupport"
)

func startServer(t *testing.T) (string, *capture.Store) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	cfg.Connectivity.ProbeURL = "http://127.0.0.1:1/probe"
	cfg.Connectivity.ProbeTimeout = 1
	cfg.Connectivity.NetlinkEvents = false

	store := testsupport.MustOpenStore(t, cfg)
	eng, err := engine.New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(eng.Stop)

	server := api.NewServer(cfg, eng, logging.NewNop())
	if server == nil {
		t.Fatal("api.NewServer returned nil despite a configured bind")
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(server.Stop)

	return "http://" + server.Addr(), store
}

func postCapture(t *testing.T, base, category string) api.CaptureRecord {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("category", category); err != nil {
		t.Fatalf("write category: %v", err)
	}
	if err := writer.WriteField("captured_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("write captured_at: %v", err)
	}
	part, err := writer.CreateFormFile("photo", "site.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("jpeg-bytes")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	writer.Close()

	resp, err := http.Post(base+"/api/captures", writer.FormDataContentType(), body)
	if err != nil {
		t.Fatalf("POST /api/captures: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/captures status = %d, want 201", resp.StatusCode)
	}

	var decoded api.RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded.Record
}

func TestCapturesEndpointEnqueuesRecord(t *testing.T) {
	base, store := startServer(t)

	record := postCapture(t, base, "during")
	if record.ClientID == "" {
		t.Fatal("response is missing client_id")
	}
	if record.Status != string(capture.StatusPending) {
		t.Fatalf("status = %s, want pending", record.Status)
	}

	stored, err := store.GetByClientID(context.Background(), record.ClientID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if stored.Category != capture.CategoryDuring {
		t.Fatalf("stored category = %s, want during", stored.Category)
	}
}

func TestCapturesEndpointRejectsUnknownCategory(t *testing.T) {
	base, _ := startServer(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("category", "panorama")
	part, _ := writer.CreateFormFile("photo", "site.jpg")
	part.Write([]byte("jpeg-bytes"))
	writer.Close()

	resp, err := http.Post(base+"/api/captures", writer.FormDataContentType(), body)
	if err != nil {
		t.Fatalf("POST /api/captures: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown category", resp.StatusCode)
	}
}

func TestStatusEndpointReportsQueueCounts(t *testing.T) {
	base, _ := startServer(t)

	postCapture(t, base, "before")
	postCapture(t, base, "after")

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status api.DaemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatal("daemon should report running")
	}
	if status.Queue.Pending != 2 {
		t.Fatalf("pending = %d, want 2", status.Queue.Pending)
	}
	if status.Queue.Unresolved != 2 {
		t.Fatalf("unresolved = %d, want 2", status.Queue.Unresolved)
	}
}

func TestQueueEndpointsListAndFetch(t *testing.T) {
	base, _ := startServer(t)

	record := postCapture(t, base, "detail")

	resp, err := http.Get(base + "/api/queue?status=pending")
	if err != nil {
		t.Fatalf("GET /api/queue: %v", err)
	}
	defer resp.Body.Close()
	var list api.QueueListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode queue list: %v", err)
	}
	if len(list.Records) != 1 || list.Records[0].ClientID != record.ClientID {
		t.Fatalf("queue list = %+v, want the single enqueued record", list.Records)
	}

	single, err := http.Get(base + "/api/queue/" + record.ClientID)
	if err != nil {
		t.Fatalf("GET /api/queue/{id}: %v", err)
	}
	defer single.Body.Close()
	if single.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d, want 200", single.StatusCode)
	}

	missing, err := http.Get(base + "/api/queue/no-such-record")
	if err != nil {
		t.Fatalf("GET missing record: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing record status = %d, want 404", missing.StatusCode)
	}
}

func TestRequeueEndpointRequiresTerminalRecord(t *testing.T) {
	base, store := startServer(t)

	record := postCapture(t, base, "during")

	resp, err := http.Post(fmt.Sprintf("%s/api/queue/%s/requeue", base, record.ClientID), "", nil)
	if err != nil {
		t.Fatalf("POST requeue: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("requeue of pending record status = %d, want 409", resp.StatusCode)
	}

	ctx := context.Background()
	if ok, err := store.Claim(ctx, record.ClientID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.MarkTerminal(ctx, record.ClientID, "rejected"); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	resp, err = http.Post(fmt.Sprintf("%s/api/queue/%s/requeue", base, record.ClientID), "", nil)
	if err != nil {
		t.Fatalf("POST requeue terminal: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue terminal record status = %d, want 200", resp.StatusCode)
	}
	var fresh api.RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&fresh); err != nil {
		t.Fatalf("decode requeue response: %v", err)
	}
	if fresh.Record.ClientID == record.ClientID {
		t.Fatal("requeue must mint a new client identifier")
	}
}

func TestSyncEndpointTriggersDrain(t *testing.T) {
	base, _ := startServer(t)

	resp, err := http.Post(base+"/api/sync", "", nil)
	if err != nil {
		t.Fatalf("POST /api/sync: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d, want 200", resp.StatusCode)
	}
	var sync api.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sync); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if !sync.Triggered {
		t.Fatal("sync response should acknowledge the trigger")
	}
}

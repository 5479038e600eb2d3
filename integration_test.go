// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"low-tide/broker"
	"low-tide/config"
	"low-tide/scheduler"
	"low-tide/store"
)

// testHarness wires a full server (Store + Broker + Scheduler + HTTP) the
// way main.go does, against a temp downloads dir and an in-process
// sqlite file (not :memory:, so concurrent goroutines share one file).
type testHarness struct {
	cfg    *config.Config
	db     *sql.DB
	bk     *broker.Broker
	sched  *scheduler.Scheduler
	ts     *httptest.Server
	cancel context.CancelFunc
}

func newHarness(t *testing.T, apps []config.AppConfig) *testHarness {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	downloadsDir := filepath.Join(tmpDir, "downloads")
	if err := os.MkdirAll(downloadsDir, 0o755); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(db); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		ListenAddr:    "127.0.0.1:0",
		DBPath:        dbPath,
		DownloadsDir:  downloadsDir,
		ThumbnailsDir: filepath.Join(tmpDir, "thumbnails"),
		Apps:          apps,
	}

	bk := broker.New()
	sched := scheduler.New(db, cfg, bk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	srv := NewServer(db, cfg, bk, sched)
	ts := httptest.NewServer(srv.Routes())

	h := &testHarness{cfg: cfg, db: db, bk: bk, sched: sched, ts: ts, cancel: cancel}
	t.Cleanup(func() {
		ts.Close()
		cancel()
		db.Close()
	})
	return h
}

func (h *testHarness) dialWS(t *testing.T) <-chan map[string]any {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/state"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	out := make(chan map[string]any, 32)
	go func() {
		defer conn.Close()
		defer close(out)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev map[string]any
			if json.Unmarshal(msg, &ev) == nil {
				out <- ev
			}
		}
	}()
	return out
}

func (h *testHarness) createJob(t *testing.T, appID, rawURL string) int64 {
	t.Helper()
	resp, err := http.PostForm(h.ts.URL+"/api/jobs", url.Values{"app_id": {appID}, "urls": {rawURL}})
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/jobs status %d", resp.StatusCode)
	}
	var out struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.IDs) != 1 {
		t.Fatalf("expected 1 job id, got %v", out.IDs)
	}
	return out.IDs[0]
}

func waitForJobStatus(t *testing.T, db *sql.DB, jobID int64, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.GetJob(db, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %d did not reach %q in time", jobID, want)
	return nil
}

func TestIntegration_DownloadFlow(t *testing.T) {
	h := newHarness(t, []config.AppConfig{{
		ID:  "test-curl",
		Cmd: []string{"/bin/sh", "-c", "echo hello world > {outdir}/testfile.txt"},
	}})

	ws := h.dialWS(t)
	jobID := h.createJob(t, "test-curl", "http://example.com/page")

	deadline := time.After(10 * time.Second)
	success := false
waitLoop:
	for !success {
		select {
		case ev, ok := <-ws:
			if !ok {
				t.Fatal("ws closed unexpectedly")
			}
			if ev["type"] != "job_snapshot" {
				continue
			}
			job, _ := ev["job"].(map[string]any)
			if job == nil || int64(job["id"].(float64)) != jobID {
				continue
			}
			switch job["status"] {
			case "success":
				success = true
				break waitLoop
			case "failed":
				t.Fatalf("job failed: %v", job["error_message"])
			}
		case <-deadline:
			t.Fatal("timeout waiting for job_snapshot success")
		}
	}

	filePath := filepath.Join(h.cfg.DownloadsDir, fmt.Sprintf("%d", jobID), "testfile.txt")
	content, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if strings.TrimSpace(string(content)) != "hello world" {
		t.Fatalf("content mismatch: got %q", content)
	}

	if err := store.UpdateJobTitle(h.db, jobID, "My Test Job With Spaces"); err != nil {
		t.Fatal(err)
	}
	zipResp, err := http.Get(h.ts.URL + fmt.Sprintf("/api/jobs/%d/zip", jobID))
	if err != nil {
		t.Fatal(err)
	}
	defer zipResp.Body.Close()
	cd := zipResp.Header.Get("Content-Disposition")
	if !strings.Contains(cd, "my-test-job-with-spaces.zip") {
		t.Fatalf("expected slugified filename in Content-Disposition, got %q", cd)
	}
}

func TestIntegration_Cancellation(t *testing.T) {
	h := newHarness(t, []config.AppConfig{{
		ID:  "sleeper",
		Cmd: []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30"},
	}})

	jobID := h.createJob(t, "sleeper", "http://example.com")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !h.sched.IsRunning(jobID) {
		time.Sleep(10 * time.Millisecond)
	}
	if !h.sched.IsRunning(jobID) {
		t.Fatal("job never started running")
	}

	cancelResp, err := http.Post(h.ts.URL+fmt.Sprintf("/api/jobs/%d/cancel", jobID), "", nil)
	if err != nil || cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel request failed: %v", err)
	}

	waitForJobStatus(t, h.db, jobID, store.StatusCancelled)
}

func TestIntegration_RetryAndCleanup(t *testing.T) {
	h := newHarness(t, []config.AppConfig{{
		ID:  "fail-then-succeed",
		Cmd: []string{"/bin/sh", "-c", "if [ -f {outdir}/fail_flag ]; then rm {outdir}/fail_flag; exit 1; else echo success > {outdir}/success.txt; fi"},
	}})

	// The job about to be created will be the first row in this harness's
	// fresh DB, so its id is deterministically 1. Pre-seed its directory
	// with fail_flag before the POST so the very first run takes the
	// if-branch and fails; the retry then finds fail_flag already removed
	// and takes the else-branch, succeeding.
	jobDir := filepath.Join(h.cfg.DownloadsDir, "1")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "fail_flag"), []byte("fail"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobID := h.createJob(t, "fail-then-succeed", "http://example.com")
	waitForJobStatus(t, h.db, jobID, store.StatusFailed)

	retryResp, err := http.Post(h.ts.URL+fmt.Sprintf("/api/jobs/%d/retry", jobID), "", nil)
	if err != nil || retryResp.StatusCode != http.StatusOK {
		t.Fatalf("retry failed: %v", err)
	}
	waitForJobStatus(t, h.db, jobID, store.StatusSuccess)

	cleanupResp, err := http.Post(h.ts.URL+fmt.Sprintf("/api/jobs/%d/cleanup", jobID), "", nil)
	if err != nil || cleanupResp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup failed: %v", err)
	}

	if _, err := os.Stat(jobDir); !os.IsNotExist(err) {
		t.Fatal("job directory should have been deleted by cleanup")
	}
	waitForJobStatus(t, h.db, jobID, store.StatusCleaned)

	// Cleanup on an already-cleaned job is a no-op, per spec.md §8.
	if resp, err := http.Post(h.ts.URL+fmt.Sprintf("/api/jobs/%d/cleanup", jobID), "", nil); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("idempotent cleanup should still succeed: %v", err)
	}
}

func TestIntegration_CleanupWhileRunningIs409(t *testing.T) {
	h := newHarness(t, []config.AppConfig{{
		ID:  "sleeper",
		Cmd: []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30"},
	}})

	jobID := h.createJob(t, "sleeper", "http://example.com")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !h.sched.IsRunning(jobID) {
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(h.ts.URL+fmt.Sprintf("/api/jobs/%d/cleanup", jobID), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for cleanup on a running job, got %d", resp.StatusCode)
	}

	h.sched.Cancel(jobID)
	waitForJobStatus(t, h.db, jobID, store.StatusCancelled)
}

func TestIntegration_PathSafetyAndWeirdURLs(t *testing.T) {
	h := newHarness(t, nil)

	weirdURLs := `  http://example.com/ space
  https://google.com
  invalid-url  `
	resp, err := http.PostForm(h.ts.URL+"/api/jobs", url.Values{"app_id": {"auto"}, "urls": {weirdURLs}})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	// No app matches any of these (no Match regex configured), so every
	// candidate URL is rejected and the request as a whole is a 400.
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unmatched urls, got %d", resp.StatusCode)
	}

	jobID, err := store.InsertJob(h.db, "test", "http://test.com", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	// Inject a traversal path directly (bypassing the FS watcher, which
	// would never produce one) to exercise the download handler's guard.
	if err := store.InsertJobFile(h.db, jobID, "../../secret.txt", 9, time.Now()); err != nil {
		t.Fatal(err)
	}
	files, err := store.ListJobFiles(h.db, jobID)
	if err != nil {
		t.Fatal(err)
	}
	fid := files[0].ID

	dlResp, err := http.Get(h.ts.URL + fmt.Sprintf("/api/jobs/%d/files/%d", jobID, fid))
	if err != nil {
		t.Fatal(err)
	}
	if dlResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-bounds path, got %d", dlResp.StatusCode)
	}
}

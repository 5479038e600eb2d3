// SPDX-License-Identifier: AGPL-3.0-only
// Package scheduler implements the singleton serializer of spec.md §4.5: it
// owns the "at most one running job" invariant, and is the only component
// that is allowed to move a Job between queued, running and a terminal
// status. It generalizes the teacher's Manager — whose worker()/runJob()
// pair lived inside a much larger god-object alongside the watcher and the
// WebSocket registry — into a standalone type that drives the new Runner,
// FS Watcher and Broker packages instead of doing all three itself.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"low-tide/broker"
	"low-tide/config"
	"low-tide/fswatch"
	"low-tide/internal/cleanup"
	"low-tide/internal/terminal"
	"low-tide/runner"
	"low-tide/store"
)

// tickInterval is the periodic Idle→Picking fallback from spec.md §4.5, in
// case a wake signal is ever missed (e.g. a handler restarts mid-request).
const tickInterval = 2 * time.Second

// snapshotDebounce batches file-driven snapshot publishes so a downloader
// writing many small files in a burst doesn't flood the Broker with one
// job_snapshot per file, mirroring the teacher's change_tracker.go ticker.
const snapshotDebounce = 100 * time.Millisecond

// OnSuccess is invoked, detached from the run loop, whenever a job reaches
// status=success. Wired to posthook.Hook.Run in main.go.
type OnSuccess func(jobID int64, url string)

// Scheduler is the singleton job serializer described in spec.md §4.5.
type Scheduler struct {
	db        *sql.DB
	cfg       *config.Config
	broker    *broker.Broker
	onSuccess OnSuccess

	wake chan struct{}

	mu            sync.Mutex
	currentJobID  int64
	currentCancel context.CancelFunc
	currentTerm   *terminal.Terminal
}

func New(db *sql.DB, cfg *config.Config, b *broker.Broker, onSuccess OnSuccess) *Scheduler {
	return &Scheduler{
		db:        db,
		cfg:       cfg,
		broker:    b,
		onSuccess: onSuccess,
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the scheduler to re-check the queue. Safe to call from any
// goroutine; never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel asks the currently running job, if it is jobID, to stop. It is a
// no-op (not an error) if jobID is not the job currently running, per
// spec.md §8: "Cancel on a non-running job: 200 OK, no effect."
func (s *Scheduler) Cancel(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentJobID == jobID && s.currentCancel != nil {
		s.currentCancel()
	}
}

// IsRunning reports whether jobID is the job currently running. HTTP
// handlers use this to reject retry/cleanup/delete on a live job with 409.
func (s *Scheduler) IsRunning(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJobID == jobID
}

// CurrentLogs returns the best available log text for jobID: the live,
// still-rendering terminal buffer if the job is currently running, else
// the persisted logs column from its last terminal transition.
func (s *Scheduler) CurrentLogs(jobID int64) (string, bool) {
	s.mu.Lock()
	running := s.currentJobID == jobID
	term := s.currentTerm
	s.mu.Unlock()

	if running && term != nil {
		return term.RenderHTML(), true
	}

	j, err := store.GetJob(s.db, jobID)
	if err != nil {
		return "", false
	}
	return j.Logs, true
}

// Run is the scheduler's main loop: recover from a previous crash, then
// repeatedly wait for a wake signal (or the fallback tick) and drain the
// queue one job at a time until it is empty again. Run blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.recoverStaleRunning(); err != nil {
		log.Printf("scheduler: recovering stale running jobs: %v", err)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}

		for {
			j, err := store.NextQueuedJob(s.db)
			if err != nil {
				log.Printf("scheduler: picking next job: %v", err)
				break
			}
			if j == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.runJob(ctx, j.ID)
		}
	}
}

// recoverStaleRunning rewrites any row left in status=running from a prior
// process (crash or kill -9) to failed, per spec.md §4.5's startup recovery
// rule, before the loop starts picking new work.
func (s *Scheduler) recoverStaleRunning() error {
	stale, err := store.ListJobs(s.db, store.StatusRunning, 0)
	if err != nil {
		return err
	}
	for _, j := range stale {
		log.Printf("scheduler: recovering stale running job %d", j.ID)
		if err := store.MarkJobFailed(s.db, j.ID, time.Now(), "server restarted during job", j.Logs, -1); err != nil {
			log.Printf("scheduler: marking job %d failed on recovery: %v", j.ID, err)
		}
		if s.broker != nil {
			s.publishSnapshot(j.ID)
		}
	}
	return nil
}

// runJob drives one job from queued through a terminal status. It is the
// only place that touches s.currentJobID/currentCancel/currentTerm, so no
// locking is needed except around the fields other goroutines read.
func (s *Scheduler) runJob(ctx context.Context, jobID int64) {
	j, err := store.GetJob(s.db, jobID)
	if err != nil {
		log.Printf("scheduler: job %d vanished before running: %v", jobID, err)
		return
	}

	app := s.cfg.GetApp(j.AppID)
	if app == nil {
		s.finish(jobID, store.StatusFailed, fmt.Sprintf("unknown app: %s", j.AppID), "", -1)
		return
	}

	jobDir := s.cfg.JobDir(jobID)
	if err := ensureDir(jobDir); err != nil {
		s.finish(jobID, store.StatusFailed, fmt.Sprintf("create job directory: %v", err), "", -1)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	term := terminal.New(2000)

	startedAt := time.Now()
	if err := store.UpdateJobStatusRunning(s.db, jobID, startedAt); err != nil {
		cancel()
		log.Printf("scheduler: job %d: marking running: %v", jobID, err)
		return
	}

	s.mu.Lock()
	s.currentJobID = jobID
	s.currentCancel = cancel
	s.currentTerm = term
	s.mu.Unlock()

	// Published after the Store commit above and before any job_log lines,
	// which can only start arriving once runner.Run is called below. This
	// snapshot has no pid yet (the child hasn't spawned); OnPID below
	// republishes once it does, per spec.md §4.5's ordering guarantee that
	// a running snapshot eventually carries the pid.
	s.publishSnapshot(jobID)

	dirty := make(chan struct{}, 1)
	markDirty := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
	stopFilePublisher := s.startFilePublisher(jobID, dirty)

	watcher, err := fswatch.Start(jobID, jobDir,
		func(ev fswatch.FileEvent) {
			if err := store.InsertJobFile(s.db, jobID, ev.RelPath, ev.Size, ev.ModTime); err != nil {
				log.Printf("scheduler: job %d: insert file %s: %v", jobID, ev.RelPath, err)
				return
			}
			markDirty()
		},
		func(rel string) {
			if err := store.DeleteJobFileByPath(s.db, jobID, rel); err != nil {
				log.Printf("scheduler: job %d: delete file %s: %v", jobID, rel, err)
				return
			}
			markDirty()
		},
	)
	if err != nil {
		log.Printf("scheduler: job %d: starting fs watcher: %v", jobID, err)
	}

	argv := runner.BuildArgv(app.Cmd, j.URL, jobDir)
	res := runner.Run(runCtx, runner.Options{
		JobID: jobID,
		Argv:  argv,
		Dir:   jobDir,
		Term:  term,
		OnPID: func(pid int) {
			if err := store.UpdateJobPID(s.db, jobID, pid); err != nil {
				log.Printf("scheduler: job %d: recording pid: %v", jobID, err)
				return
			}
			// Republish so at least one running snapshot carries the pid,
			// per spec.md §4.5's ordering guarantee: the snapshot published
			// right after the queued→running transition above necessarily
			// preceded the child spawning and so never saw a pid.
			s.publishSnapshot(jobID)
		},
		OnLine: func(seq int64, line string) {
			if s.broker != nil {
				s.broker.PublishLogLine(jobID, seq, line)
			}
		},
	})

	if watcher != nil {
		watcher.Stop()
	}
	stopFilePublisher()

	if err := cleanup.DeleteEmptyFolders(jobDir); err != nil {
		log.Printf("scheduler: job %d: cleaning up empty folders: %v", jobID, err)
	}

	s.mu.Lock()
	s.currentJobID = 0
	s.currentCancel = nil
	s.currentTerm = nil
	s.mu.Unlock()

	status, errMsg, exitCode := classify(res)
	s.finish(jobID, status, errMsg, res.Logs, exitCode)

	if status == store.StatusSuccess && s.onSuccess != nil {
		go s.onSuccess(jobID, j.URL)
	}
}

// classify implements the result-classification table of spec.md §4.5. The
// returned exit code is the child's actual process exit status where one
// exists, or -1 when the child never ran (spawn failure) or never reported
// one (cancelled before exit was observed).
func classify(res runner.Result) (store.JobStatus, string, int) {
	switch res.Reason {
	case runner.Cancelled:
		return store.StatusCancelled, "", res.ExitCode
	case runner.SpawnFailed:
		msg := "spawn failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return store.StatusFailed, msg, -1
	default:
		if res.ExitCode == 0 {
			return store.StatusSuccess, "", res.ExitCode
		}
		return store.StatusFailed, fmt.Sprintf("exit code %d", res.ExitCode), res.ExitCode
	}
}

// finish persists the terminal transition and publishes the resulting
// snapshot.
func (s *Scheduler) finish(jobID int64, status store.JobStatus, errMsg, logs string, exitCode int) {
	finishedAt := time.Now()
	var err error
	switch status {
	case store.StatusSuccess:
		err = store.MarkJobSuccess(s.db, jobID, finishedAt, logs, exitCode)
	case store.StatusCancelled:
		err = store.MarkJobCancelled(s.db, jobID, finishedAt, logs, exitCode)
	default:
		err = store.MarkJobFailed(s.db, jobID, finishedAt, errMsg, logs, exitCode)
	}
	if err != nil {
		log.Printf("scheduler: job %d: persisting terminal status %s: %v", jobID, status, err)
	}
	s.publishSnapshot(jobID)
}

// startFilePublisher runs a debounced loop that publishes a fresh snapshot
// shortly after dirty receives a signal, coalescing bursts of file events
// into one broadcast per tick. The returned func stops the loop.
func (s *Scheduler) startFilePublisher(jobID int64, dirty <-chan struct{}) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(snapshotDebounce)
		defer t.Stop()
		pending := false
		for {
			select {
			case <-done:
				return
			case <-dirty:
				pending = true
			case <-t.C:
				if pending {
					pending = false
					s.publishSnapshot(jobID)
				}
			}
		}
	}()
	return func() { close(done) }
}

// publishSnapshot loads the full Job (with its files, relative paths) and
// publishes it. Errors are logged, not propagated — a missed snapshot is
// recoverable by the next one.
func (s *Scheduler) publishSnapshot(jobID int64) {
	if s.broker == nil {
		return
	}
	j, err := store.GetJob(s.db, jobID)
	if err != nil {
		log.Printf("scheduler: job %d: loading snapshot: %v", jobID, err)
		return
	}
	files, err := store.ListJobFiles(s.db, jobID)
	if err != nil {
		log.Printf("scheduler: job %d: loading files for snapshot: %v", jobID, err)
		return
	}
	j.Files = files
	s.broker.PublishSnapshot(j)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

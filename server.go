// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"low-tide/broker"
	"low-tide/config"
	"low-tide/scheduler"
	"low-tide/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires the HTTP/WS surface of spec.md §4.6 to the Store, Broker and
// Scheduler. It generalizes the teacher's Server — which reached into a
// single god-object Manager for everything — into one that talks to each
// collaborator through its own narrow interface.
type Server struct {
	DB    *sql.DB
	Cfg   *config.Config
	Bk    *broker.Broker
	Sched *scheduler.Scheduler
}

func NewServer(db *sql.DB, cfg *config.Config, bk *broker.Broker, sched *scheduler.Scheduler) *Server {
	return &Server{DB: db, Cfg: cfg, Bk: bk, Sched: sched}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/archive_finished", s.handleArchiveFinished)
	mux.HandleFunc("/api/jobs/", s.handleJobAction)
	mux.HandleFunc("/thumbnails/", s.handleThumbnail)
	mux.HandleFunc("/ws/state", s.handleStateWS)
	return loggingMiddleware(mux)
}

// handleIndex is a minimal service descriptor: the configured apps a
// client can pick from. The browser UI itself is not specified here (see
// spec.md §1) so there is no template to render, unlike the teacher.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	type appInfo struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Match string `json:"match,omitempty"`
	}
	apps := make([]appInfo, 0, len(s.Cfg.Apps))
	for _, a := range s.Cfg.Apps {
		apps = append(apps, appInfo{ID: a.ID, Name: a.Name, Match: a.Match})
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": "low-tide", "apps": apps})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobsList, err := store.ListJobs(s.DB, "", 100)
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, jobsList)
	case http.MethodPost:
		s.handleCreateJobs(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateJobs(w http.ResponseWriter, r *http.Request) {
	appID := r.FormValue("app_id")
	urls := splitURLs(r.FormValue("urls"))
	if len(urls) == 0 {
		writeError(w, 400, "missing urls")
		return
	}

	isAuto := appID == "auto" || appID == ""

	var ids []int64
	var errs []string
	for _, u := range urls {
		finalAppID := appID
		if isAuto {
			a := s.Cfg.MatchAppForURL(u)
			if a == nil {
				errs = append(errs, fmt.Sprintf("could not auto-match app for url: %s", u))
				continue
			}
			finalAppID = a.ID
		}
		if s.Cfg.GetApp(finalAppID) == nil {
			errs = append(errs, fmt.Sprintf("unknown app_id %q for url: %s", finalAppID, u))
			continue
		}

		jid, err := store.InsertJob(s.DB, finalAppID, u, time.Now())
		if err != nil {
			errs = append(errs, fmt.Sprintf("insert job for %s: %v", u, err))
			continue
		}
		ids = append(ids, jid)
		s.publishSnapshot(jid)
	}

	if len(ids) == 0 {
		writeError(w, 400, strings.Join(errs, "; "))
		return
	}

	s.Sched.Wake()
	writeJSON(w, 200, map[string]any{"ids": ids})
}

// handleJobAction routes everything under /api/jobs/{id}[/...]: the single
// job getter, and the retry/cancel/archive/unarchive/cleanup/delete/zip/
// logs/files actions of spec.md §6.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	pathSuffix := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(pathSuffix, "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleGetJob(w, r, id)
		return
	}

	action := parts[1]
	switch action {
	case "retry":
		s.requirePost(w, r, func() { s.handleRetry(w, id) })
	case "cancel":
		s.requirePost(w, r, func() { s.handleCancel(w, id) })
	case "archive":
		s.requirePost(w, r, func() { s.handleSetArchived(w, id, true) })
	case "unarchive":
		s.requirePost(w, r, func() { s.handleSetArchived(w, id, false) })
	case "cleanup":
		s.requirePost(w, r, func() { s.handleCleanup(w, id) })
	case "delete":
		s.requirePost(w, r, func() { s.handleDelete(w, id) })
	case "zip":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleZip(w, r, id)
	case "logs":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleJobLogs(w, r, id)
	case "files":
		s.handleFiles(w, r, id, parts)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, fn func()) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fn()
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, id int64) {
	j, err := store.GetJob(s.DB, id)
	if err != nil {
		writeError(w, 404, "job not found")
		return
	}
	files, err := store.ListJobFiles(s.DB, id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	j.Files = files
	writeJSON(w, 200, j)
}

func (s *Server) handleRetry(w http.ResponseWriter, id int64) {
	if s.Sched.IsRunning(id) {
		writeError(w, 409, "job is running")
		return
	}
	if err := store.ResetJobForRetry(s.DB, id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	s.Sched.Wake()
	s.publishSnapshot(id)
	writeJSON(w, 200, map[string]any{})
}

// handleCancel is always a 200, even when jobID isn't currently running, per
// spec.md §8's "cancel on a non-running job: 200 OK, no effect".
func (s *Server) handleCancel(w http.ResponseWriter, id int64) {
	s.Sched.Cancel(id)
	writeJSON(w, 200, map[string]any{})
}

func (s *Server) handleSetArchived(w http.ResponseWriter, id int64, archived bool) {
	var err error
	if archived {
		err = store.ArchiveJob(s.DB, id)
	} else {
		err = store.UnarchiveJob(s.DB, id)
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	s.publishSnapshot(id)
	writeJSON(w, 200, map[string]any{})
}

func (s *Server) handleCleanup(w http.ResponseWriter, id int64) {
	if s.Sched.IsRunning(id) {
		writeError(w, 409, "job is running")
		return
	}
	if err := s.deleteJobArtifacts(id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if err := store.DeleteJobFiles(s.DB, id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if err := store.MarkJobCleaned(s.DB, id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	s.publishSnapshot(id)
	writeJSON(w, 200, map[string]any{})
}

func (s *Server) handleDelete(w http.ResponseWriter, id int64) {
	if s.Sched.IsRunning(id) {
		writeError(w, 409, "job is running")
		return
	}
	if err := s.deleteJobArtifacts(id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if err := store.DeleteJobFiles(s.DB, id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if err := store.DeleteJob(s.DB, id); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if s.Bk != nil {
		s.Bk.PublishState("job_deleted")
	}
	writeJSON(w, 200, map[string]any{})
}

func (s *Server) handleArchiveFinished(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := store.ArchiveFinishedJobs(s.DB); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if s.Bk != nil {
		s.Bk.PublishState("jobs_archived")
	}
	writeJSON(w, 200, map[string]any{})
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request, jobID int64) {
	j, err := store.GetJob(s.DB, jobID)
	if err != nil {
		writeError(w, 404, "job not found")
		return
	}
	files, err := store.ListJobFiles(s.DB, jobID)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}

	jobDir := s.Cfg.JobDir(jobID)
	safeTitle := parameterize(j.Title, fmt.Sprintf("job-%d", jobID))
	setDownloadHeaders(w, safeTitle+".zip")
	w.Header().Set("Content-Type", "application/zip")

	zw := newZipWriter(w, jobDir)
	defer zw.Close()
	for _, f := range files {
		if err := zw.AddFile(filepath.Join(jobDir, f.Path)); err != nil {
			log.Printf("zip file %s: %v", f.Path, err)
		}
	}
}

// handleJobLogs serves the persisted (or, if the job is still running,
// live) captured output. The column is ANSI-rendered to HTML by
// internal/terminal for the out-of-scope browser UI's benefit, so this is
// served as text/html rather than the literal text/plain of spec.md §6 — a
// resolved ambiguity, see DESIGN.md.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request, jobID int64) {
	logs, ok := s.Sched.CurrentLogs(jobID)
	if !ok {
		writeError(w, 404, "job not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, jobID int64, parts []string) {
	if len(parts) == 2 {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		if s.Sched.IsRunning(jobID) {
			writeError(w, 409, "job is running")
			return
		}
		if err := s.deleteJobArtifacts(jobID); err != nil {
			writeError(w, 500, err.Error())
			return
		}
		if err := store.DeleteJobFiles(s.DB, jobID); err != nil {
			writeError(w, 500, err.Error())
			return
		}
		s.publishSnapshot(jobID)
		writeJSON(w, 200, map[string]any{})
		return
	}

	fid, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		writeError(w, 400, "invalid file id")
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.handleDownloadArtifact(w, r, jobID, fid)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request, jobID, fid int64) {
	f, err := store.GetJobFileByID(s.DB, fid)
	if err != nil || f.JobID != jobID {
		writeError(w, 404, "file not found")
		return
	}

	jobDir := s.Cfg.JobDir(jobID)
	absJobDir, err := filepath.Abs(jobDir)
	if err != nil {
		writeError(w, 500, "internal error")
		return
	}
	abs := filepath.Join(absJobDir, f.Path)

	rel, err := filepath.Rel(absJobDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		writeError(w, 400, "invalid path")
		return
	}

	setDownloadHeaders(w, f.Path)
	http.ServeFile(w, r, abs)
}

// handleThumbnail streams the OpenGraph thumbnail saved for a job by
// posthook.Hook, if any.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/thumbnails/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, 400, "invalid id")
		return
	}

	j, err := store.GetJob(s.DB, id)
	if err != nil || j.ImagePath == nil || *j.ImagePath == "" {
		writeError(w, 404, "no thumbnail")
		return
	}

	path := filepath.Join(s.Cfg.ThumbnailsDir, *j.ImagePath)
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, path)
}

// deleteJobArtifacts removes a job's entire output directory from disk,
// refusing to act outside the configured downloads root.
func (s *Server) deleteJobArtifacts(jobID int64) error {
	jobDir := s.Cfg.JobDir(jobID)
	absJobDir, err := filepath.Abs(jobDir)
	if err != nil {
		return err
	}
	absDownloadsDir, err := filepath.Abs(s.Cfg.DownloadsDir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absDownloadsDir, absJobDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refuse to remove folder outside downloads dir: %s", absJobDir)
	}
	if err := os.RemoveAll(absJobDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job directory %s: %w", absJobDir, err)
	}
	return nil
}

func (s *Server) publishSnapshot(jobID int64) {
	if s.Bk == nil {
		return
	}
	j, err := store.GetJob(s.DB, jobID)
	if err != nil {
		return
	}
	files, err := store.ListJobFiles(s.DB, jobID)
	if err != nil {
		return
	}
	j.Files = files
	s.Bk.PublishSnapshot(j)
}

// handleStateWS upgrades to a WebSocket and relays every Broker event to
// this one client until a write to it fails (e.g. it disconnected). A client
// that falls behind stays subscribed and loses its oldest queued frames.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.Bk.Subscribe()
	defer sub.Unsubscribe()

	for b := range sub.C() {
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

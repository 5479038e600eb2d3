// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"low-tide/broker"
	"low-tide/config"
	"low-tide/posthook"
	"low-tide/scheduler"
	"low-tide/store"
)

const httpShutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", *configPath, err)
	}

	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		log.Fatalf("create downloads dir: %v", err)
	}
	if err := os.MkdirAll(cfg.ThumbnailsDir, 0o755); err != nil {
		log.Fatalf("create thumbnails dir: %v", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		log.Fatalf("open db %s: %v", cfg.DBPath, err)
	}
	defer db.Close()

	if err := store.Init(db); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	bk := broker.New()
	hook := posthook.New(db, cfg.ThumbnailsDir, bk)
	sched := scheduler.New(db, cfg, bk, hook.Run)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	sched.Wake()

	srv := NewServer(db, cfg, bk, sched)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("low-tide listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}

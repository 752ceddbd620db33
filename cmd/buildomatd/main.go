package main

// Buildomat is a multi-tenant build job execution control plane.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"buildomat/internal/api"
	"buildomat/internal/archive"
	"buildomat/internal/assign"
	"buildomat/internal/auth"
	"buildomat/internal/blob"
	"buildomat/internal/central"
	"buildomat/internal/config"
	"buildomat/internal/factory"
	"buildomat/internal/lifecycle"
	"buildomat/internal/logging"
	"buildomat/internal/staging"
	"buildomat/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Error("parsing configuration", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.ValidateForStart(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	cfg.LogStartup(logger)

	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("creating data directory", "error", err)
		os.Exit(1)
	}

	var st *store.Store
	if cfg.StoreValueEncryptionKey != "" {
		st, err = store.OpenWithEncryption(ctx, cfg.DBPath, cfg.StoreValueEncryptionKey)
	} else {
		st, err = store.Open(ctx, cfg.DBPath)
	}
	if err != nil {
		logger.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	stg, err := staging.New(filepath.Join(cfg.DataDir, "staging"), st)
	if err != nil {
		logger.Error("opening staging area", "error", err)
		os.Exit(1)
	}

	bl, err := blob.New(blob.Config{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		Prefix:    cfg.BlobPrefix,
		UseTLS:    cfg.BlobUseTLS,
	})
	if err != nil {
		logger.Error("constructing blob client", "error", err)
		os.Exit(1)
	}
	if err := bl.EnsureBucket(ctx); err != nil {
		logger.Error("ensuring blob bucket exists", "error", err)
		os.Exit(1)
	}

	state := central.New()
	lc := lifecycle.New(st, state, stg)
	fc := factory.New(st, state)
	ar, err := archive.New(st, stg, bl, state, logger, archive.Config{
		CacheDir:          filepath.Join(cfg.DataDir, "archive-cache"),
		GracePeriod:       cfg.ArchiveGracePeriod,
		FilesPollInterval: cfg.ArchivePollInterval,
		JobsPollInterval:  cfg.ArchivePollInterval,
	})
	if err != nil {
		logger.Error("constructing archiver", "error", err)
		os.Exit(1)
	}
	a := auth.New(st, cfg.AdminToken)

	assignLoop := assign.New(st, lc, stg, state, logger, assign.Config{
		PollInterval:      cfg.AssignPollInterval,
		WorkerPingTimeout: cfg.WorkerPingTimeout,
	})

	handler := api.New(st, lc, stg, ar, bl, fc, a, state, cfg, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go assignLoop.Run(bgCtx)
	go ar.Run(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}

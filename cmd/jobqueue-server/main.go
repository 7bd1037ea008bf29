// Jobqueue is a durable job queue service.
// Copyright (C) 2025 The jobqueue authors
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

// Command jobqueue-server runs the durable job queue HTTP service.
//
// Configuration is resolved in increasing precedence: built-in defaults,
// the optional YAML file named by -config, JOBQUEUE_* environment
// variables, and finally any flags set on the command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luser/taskcluster-jobqueue/internal/api"
	"github.com/luser/taskcluster-jobqueue/internal/config"
	"github.com/luser/taskcluster-jobqueue/internal/logging"
	"github.com/luser/taskcluster-jobqueue/internal/metrics"
	"github.com/luser/taskcluster-jobqueue/internal/middleware"
	"github.com/luser/taskcluster-jobqueue/internal/queue"
	"github.com/luser/taskcluster-jobqueue/internal/store"
)

// backend is the store surface the server needs: the queue operations plus
// connectivity checks and shutdown.
type backend interface {
	queue.Store
	Ping(ctx context.Context) error
	Close() error
}

// openStore opens the store selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := store.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// parseConfig builds the Config from defaults, file, env, and flags.
// Flags override everything else, but only when set explicitly.
func parseConfig() (config.Config, error) {
	def := config.Default()

	var (
		configPath      = flag.String("config", "", "Path to a YAML config file (optional)")
		addr            = flag.String("addr", def.ListenAddr, "HTTP listen address (env JOBQUEUE_ADDR)")
		driver          = flag.String("driver", def.Driver, "Store driver: sqlite|postgres (env JOBQUEUE_STORE_DRIVER)")
		sqlitePath      = flag.String("db", def.SQLitePath, "SQLite database path (env JOBQUEUE_SQLITE_PATH)")
		postgresDSN     = flag.String("postgres-dsn", def.PostgresDSN, "Postgres connection string (env JOBQUEUE_POSTGRES_DSN)")
		logLevel        = flag.String("log-level", def.LogLevel, "Log level: debug|info|warn|error (env JOBQUEUE_LOG_LEVEL)")
		shutdownTimeout = flag.Duration("shutdown-timeout", def.ShutdownTimeout, "Graceful shutdown timeout (env JOBQUEUE_SHUTDOWN_TIMEOUT)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ListenAddr = *addr
		case "driver":
			cfg.Driver = *driver
		case "db":
			cfg.SQLitePath = *sqlitePath
		case "postgres-dsn":
			cfg.PostgresDSN = *postgresDSN
		case "log-level":
			cfg.LogLevel = *logLevel
		case "shutdown-timeout":
			cfg.ShutdownTimeout = *shutdownTimeout
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func logConfig(logger *slog.Logger, cfg config.Config) {
	logger.Info("jobqueue-server configuration",
		"addr", cfg.ListenAddr,
		"driver", cfg.Driver,
		"sqlite_path", cfg.SQLitePath,
		"postgres_dsn", config.RedactDSN(cfg.PostgresDSN),
		"log_level", cfg.LogLevel,
		"shutdown_timeout", cfg.ShutdownTimeout.String(),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// readyHandler reports ready only once the store answers a ping.
func readyHandler(st backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

func newMux(ap *api.API, st backend) http.Handler {
	mux := http.NewServeMux()

	// Health/ready/metrics. Exact matches take precedence over the API's
	// catch-all route.
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler(st))
	mux.Handle("/metrics", metrics.Handler())

	ap.Register(mux)

	return middleware.RequestID(middleware.Instrument(mux))
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobqueue-server: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	st, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	mgr := queue.NewManager(queue.Config{Store: st})
	ap := api.New(mgr, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(ap, st),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
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

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}

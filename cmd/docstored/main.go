// Command docstored serves per-package documentation archives.
//
// It also supports one-shot export and restore of the store's full state:
//
//	docstored --data-dir /var/lib/docstore
//	docstored --data-dir /var/lib/docstore --export-to backup.tar.gz
//	docstored --data-dir /var/lib/docstore --restore-from backup.tar.gz
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkgrove/docstore"
	"github.com/pkgrove/docstore/backup"
	"github.com/pkgrove/docstore/blobstore"
	"github.com/pkgrove/docstore/server"
	"github.com/pkgrove/docstore/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDir     string
		listen      string
		logLevel    string
		defaultDocs string
		exportTo    string
		restoreFrom string
		allowUpload bool
	)
	flag.StringVar(&dataDir, "data-dir", "", "data directory for blobs and the store database (required)")
	flag.StringVar(&listen, "listen", ":8080", "listen address")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&defaultDocs, "default-documents", "index.html", "comma-separated fallback documents for directory requests")
	flag.StringVar(&exportTo, "export-to", "", "export the store to the given file and exit")
	flag.StringVar(&restoreFrom, "restore-from", "", "replace the store from the given export file and exit")
	flag.BoolVar(&allowUpload, "allow-upload", false, "accept uploads without external authorization")
	flag.Parse()

	if dataDir == "" {
		return errors.New("--data-dir is required")
	}
	if exportTo != "" && restoreFrom != "" {
		return errors.New("--export-to and --restore-from are mutually exclusive")
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	blobs, err := blobstore.New(filepath.Join(dataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	st, err := store.Open(filepath.Join(dataDir, "docstore.db"),
		store.WithLogger(logger),
		store.WithBlobPaths(blobs.Path),
	)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case exportTo != "":
		return exportStore(ctx, st, blobs, exportTo, logger)
	case restoreFrom != "":
		return restoreStore(ctx, st, blobs, restoreFrom, logger)
	}

	auth := docstore.DenyAll()
	if allowUpload {
		auth = docstore.AllowAll()
	}
	handler := server.New(st, blobs,
		server.WithAuthorizer(auth),
		server.WithDefaultDocuments(strings.Split(defaultDocs, ",")...),
		server.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan error, 1)
	go func() {
		logger.Info("docstored listening", "addr", listen, "data_dir", dataDir)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-done
}

func exportStore(ctx context.Context, st *store.Store, blobs blobstore.Store, path string, logger *slog.Logger) error {
	f, err := os.Create(path) //nolint:gosec // operator-provided destination is intentional
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	if err := backup.Export(ctx, st, blobs, f, backup.WithLogger(logger)); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func restoreStore(ctx context.Context, st *store.Store, blobs blobstore.Store, path string, logger *slog.Logger) error {
	f, err := os.Open(path) //nolint:gosec // operator-provided source is intentional
	if err != nil {
		return fmt.Errorf("opening export file: %w", err)
	}
	defer f.Close()
	snap, err := backup.Import(ctx, f, blobs, backup.WithLogger(logger))
	if err != nil {
		return err
	}
	return st.ReplaceAll(snap)
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// Command sweep runs the maintenance sweeps once and exits. It removes
// expired upload sessions with orphaned chunk blobs and offline packages
// past their expiry, against the same datastore the API server uses.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"coursecast/internal/blob"
	"coursecast/internal/kv"
	"coursecast/internal/observability/logging"
	"coursecast/internal/offline"
	"coursecast/internal/storage"
	"coursecast/internal/upload"
)

func main() {
	dataPath := flag.String("data", "", "path to JSON catalog datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	blobDir := flag.String("blob-dir", "", "directory backing the blob store")
	redisAddr := flag.String("redis-addr", "", "Redis address holding upload sessions")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout for the sweep run")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("COURSECAST_LOG_LEVEL")),
		Format: os.Getenv("COURSECAST_LOG_FORMAT"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("COURSECAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	var catalog storage.Repository
	var err error
	if dsn != "" {
		catalog, err = storage.NewPostgresRepository(dsn)
	} else {
		catalog, err = storage.NewJSONRepository(firstNonEmpty(*dataPath, os.Getenv("COURSECAST_DATA"), "data/catalog.json"))
	}
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer catalog.Close(context.Background())

	blobs, err := blob.NewFSStore(firstNonEmpty(*blobDir, os.Getenv("COURSECAST_BLOB_DIR"), "data/blobs"))
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	var sessions kv.Store
	addr := firstNonEmpty(*redisAddr, os.Getenv("COURSECAST_SESSION_REDIS_ADDR"))
	if addr != "" {
		sessions, err = kv.NewRedisStore(kv.RedisConfig{
			Addr:     addr,
			Username: os.Getenv("COURSECAST_SESSION_REDIS_USERNAME"),
			Password: os.Getenv("COURSECAST_SESSION_REDIS_PASSWORD"),
		})
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
	} else {
		// Without Redis there are no shared upload sessions to inspect,
		// but blob orphans left by a crashed server can still be swept.
		sessions = kv.NewMemoryStore()
	}

	uploads := upload.NewManager(sessions, blobs, catalog, nil, upload.Config{}, logging.WithComponent(logger, "upload"))
	removedSessions, err := uploads.SweepOrphans(ctx)
	if err != nil {
		logger.Error("upload sweep failed", "error", err)
		os.Exit(1)
	}

	builder := offline.NewBuilder(offline.Config{
		Catalog: catalog,
		Blobs:   blobs,
		Logger:  logging.WithComponent(logger, "offline"),
	})
	removedPackages, err := builder.SweepExpired(ctx)
	if err != nil {
		logger.Error("package sweep failed", "error", err)
		os.Exit(1)
	}

	logger.Info("sweep finished",
		"upload_sessions_removed", removedSessions,
		"packages_removed", removedPackages)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

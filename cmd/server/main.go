// Command server starts the CourseCast API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coursecast/internal/api"
	"coursecast/internal/blob"
	"coursecast/internal/kv"
	"coursecast/internal/observability/logging"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/offline"
	"coursecast/internal/server"
	"coursecast/internal/storage"
	"coursecast/internal/streaming"
	"coursecast/internal/transcode"
	"coursecast/internal/upload"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON catalog datastore")
	storageDriver := flag.String("storage-driver", "", "catalog driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or redis)")
	sessionRedisAddr := flag.String("session-redis-addr", "", "Redis address for the session store")
	sessionRedisAddrs := flag.String("session-redis-addrs", "", "comma separated Redis addresses for the session store")
	sessionRedisUsername := flag.String("session-redis-username", "", "Redis username for the session store")
	sessionRedisPassword := flag.String("session-redis-password", "", "Redis password for the session store")
	sessionRedisMasterName := flag.String("session-redis-sentinel-master", "", "Redis sentinel master name for the session store")
	sessionRedisPoolSize := flag.Int("session-redis-pool-size", 0, "maximum Redis connections for the session store")
	sessionRedisTLSCA := flag.String("session-redis-tls-ca", "", "path to Redis TLS CA certificate for the session store")
	sessionRedisTLSCert := flag.String("session-redis-tls-cert", "", "path to Redis TLS client certificate for the session store")
	sessionRedisTLSKey := flag.String("session-redis-tls-key", "", "path to Redis TLS client key for the session store")
	sessionRedisTLSServerName := flag.String("session-redis-tls-server-name", "", "override Redis TLS server name for the session store")
	sessionRedisTLSSkipVerify := flag.Bool("session-redis-tls-skip-verify", false, "skip Redis TLS verification for the session store")
	blobDir := flag.String("blob-dir", "", "directory backing the blob store")
	archiveEndpoint := flag.String("archive-endpoint", "", "object storage endpoint for bundle mirroring (e.g. http://127.0.0.1:9000)")
	archiveRegion := flag.String("archive-region", "", "object storage region for bundle mirroring")
	archiveAccessKey := flag.String("archive-access-key", "", "object storage access key for bundle mirroring")
	archiveSecretKey := flag.String("archive-secret-key", "", "object storage secret key for bundle mirroring")
	archiveBucket := flag.String("archive-bucket", "", "object storage bucket for bundle mirroring")
	archiveUseSSL := flag.Bool("archive-use-ssl", false, "enable TLS for object storage requests")
	archivePrefix := flag.String("archive-prefix", "", "object storage key prefix for mirrored bundles")
	ffmpegBinary := flag.String("ffmpeg-binary", "", "path to the ffmpeg binary")
	ffmpegWorkDir := flag.String("ffmpeg-work-dir", "", "scratch directory for conversions")
	transcodeWorkers := flag.Int("transcode-workers", 0, "maximum concurrent conversions")
	transcodePairTimeout := flag.Duration("transcode-pair-timeout", 0, "timeout for a single profile/format conversion")
	transcodeProfiles := flag.String("transcode-profiles", "", "comma separated default quality profiles")
	transcodeFormats := flag.String("transcode-formats", "", "comma separated default output formats")
	uploadSessionTTL := flag.Duration("upload-session-ttl", 0, "lifetime of an upload session")
	uploadMaxTotalSize := flag.Int64("upload-max-total-size", 0, "maximum declared upload size in bytes")
	packageWorkers := flag.Int("package-workers", 0, "maximum concurrent bundle builds")
	packageDefaultTTL := flag.Duration("package-default-ttl", 0, "default offline package lifetime")
	packageMaxTTL := flag.Duration("package-max-ttl", 0, "maximum offline package lifetime")
	tokenTTL := flag.Duration("token-ttl", 0, "streaming token lifetime")
	tokenSecret := flag.String("token-secret", "", "pepper for streaming token hashes")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	chunkLimit := flag.Int("rate-chunk-limit", 0, "maximum chunk uploads per window for a single user")
	chunkWindow := flag.Duration("rate-chunk-window", 0, "window for counting chunk uploads")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	studioOrigins := flag.String("cors-studio-origins", "", "comma separated origins for the creator studio")
	playerOrigins := flag.String("cors-player-origins", "", "comma separated origins for embedded players")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between background sweeps")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("COURSECAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("COURSECAST_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("COURSECAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("COURSECAST_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("COURSECAST_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres catalog driver", "driver", driver)
		os.Exit(1)
	}

	var catalog storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("COURSECAST_DATA"))
		catalog, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres catalog selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "COURSECAST_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "COURSECAST_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "COURSECAST_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "COURSECAST_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "COURSECAST_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "COURSECAST_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("COURSECAST_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		catalog, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}

	sessionDriver := resolveSessionDriver(*sessionStoreDriver, os.Getenv("COURSECAST_SESSION_STORE"),
		firstNonEmpty(*sessionRedisAddr, os.Getenv("COURSECAST_SESSION_REDIS_ADDR"),
			*sessionRedisAddrs, os.Getenv("COURSECAST_SESSION_REDIS_ADDRS")))
	if serverMode == "production" && sessionDriver != "redis" {
		logger.Error("production mode requires the redis session store", "driver", sessionDriver)
		os.Exit(1)
	}
	var sessions kv.Store
	switch sessionDriver {
	case "memory":
		sessions = kv.NewMemoryStore()
	case "redis":
		sessions, err = kv.NewRedisStore(kv.RedisConfig{
			Addr:       firstNonEmpty(*sessionRedisAddr, os.Getenv("COURSECAST_SESSION_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*sessionRedisAddrs, os.Getenv("COURSECAST_SESSION_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*sessionRedisUsername, os.Getenv("COURSECAST_SESSION_REDIS_USERNAME")),
			Password:   firstNonEmpty(*sessionRedisPassword, os.Getenv("COURSECAST_SESSION_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*sessionRedisMasterName, os.Getenv("COURSECAST_SESSION_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*sessionRedisPoolSize, "COURSECAST_SESSION_REDIS_POOL_SIZE"),
			TLS: kv.RedisTLSConfig{
				CAFile:             firstNonEmpty(*sessionRedisTLSCA, os.Getenv("COURSECAST_SESSION_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*sessionRedisTLSCert, os.Getenv("COURSECAST_SESSION_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*sessionRedisTLSKey, os.Getenv("COURSECAST_SESSION_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*sessionRedisTLSServerName, os.Getenv("COURSECAST_SESSION_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*sessionRedisTLSSkipVerify, "COURSECAST_SESSION_REDIS_TLS_SKIP_VERIFY"),
			},
		})
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported session store driver", "driver", sessionDriver)
		os.Exit(1)
	}

	blobs, err := blob.NewFSStore(resolveBlobDir(*blobDir, os.Getenv("COURSECAST_BLOB_DIR")))
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	archive := blob.NewArchive(blob.ArchiveConfig{
		Endpoint:  firstNonEmpty(*archiveEndpoint, os.Getenv("COURSECAST_ARCHIVE_ENDPOINT")),
		Region:    firstNonEmpty(*archiveRegion, os.Getenv("COURSECAST_ARCHIVE_REGION")),
		AccessKey: firstNonEmpty(*archiveAccessKey, os.Getenv("COURSECAST_ARCHIVE_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*archiveSecretKey, os.Getenv("COURSECAST_ARCHIVE_SECRET_KEY")),
		Bucket:    firstNonEmpty(*archiveBucket, os.Getenv("COURSECAST_ARCHIVE_BUCKET")),
		UseSSL:    resolveBool(*archiveUseSSL, "COURSECAST_ARCHIVE_USE_SSL"),
		Prefix:    firstNonEmpty(*archivePrefix, os.Getenv("COURSECAST_ARCHIVE_PREFIX")),
	})

	converter := transcode.NewFFmpegConverter(blobs, transcode.FFmpegConfig{
		Binary:  firstNonEmpty(*ffmpegBinary, os.Getenv("COURSECAST_FFMPEG_BINARY")),
		WorkDir: firstNonEmpty(*ffmpegWorkDir, os.Getenv("COURSECAST_FFMPEG_WORK_DIR")),
	})
	orchestrator := transcode.NewOrchestrator(catalog, converter, transcode.Config{
		Workers:     resolveInt(*transcodeWorkers, "COURSECAST_TRANSCODE_WORKERS"),
		PairTimeout: resolveDuration(*transcodePairTimeout, "COURSECAST_TRANSCODE_PAIR_TIMEOUT", 0),
		Profiles:    splitAndTrim(firstNonEmpty(*transcodeProfiles, os.Getenv("COURSECAST_TRANSCODE_PROFILES"))),
		Formats:     splitAndTrim(firstNonEmpty(*transcodeFormats, os.Getenv("COURSECAST_TRANSCODE_FORMATS"))),
		Logger:      logging.WithComponent(logger, "transcode"),
	})
	orchestrator.Start()

	uploads := upload.NewManager(sessions, blobs, catalog, orchestrator, upload.Config{
		SessionTTL:   resolveDuration(*uploadSessionTTL, "COURSECAST_UPLOAD_SESSION_TTL", 0),
		MaxTotalSize: resolveInt64(*uploadMaxTotalSize, "COURSECAST_UPLOAD_MAX_TOTAL_SIZE"),
	}, logging.WithComponent(logger, "upload"))

	builder := offline.NewBuilder(offline.Config{
		Catalog:    catalog,
		Blobs:      blobs,
		Archive:    archive,
		Workers:    resolveInt(*packageWorkers, "COURSECAST_PACKAGE_WORKERS"),
		DefaultTTL: resolveDuration(*packageDefaultTTL, "COURSECAST_PACKAGE_DEFAULT_TTL", 0),
		MaxTTL:     resolveDuration(*packageMaxTTL, "COURSECAST_PACKAGE_MAX_TTL", 0),
		Logger:     logging.WithComponent(logger, "offline"),
	})
	builder.Start()

	tokens := streaming.NewTokenManager(sessions, catalog, streaming.TokenConfig{
		TTL:    resolveDuration(*tokenTTL, "COURSECAST_TOKEN_TTL", 0),
		Secret: firstNonEmpty(*tokenSecret, os.Getenv("COURSECAST_TOKEN_SECRET")),
		Logger: logging.WithComponent(logger, "tokens"),
	})

	handler := &api.Handler{
		Catalog:        catalog,
		Sessions:       sessions,
		UploadManager:  uploads,
		Jobs:           orchestrator,
		PackageBuilder: builder,
		Stream:         streaming.NewService(catalog, blobs, logging.WithComponent(logger, "streaming")),
		Tokens:         tokens,
		Logger:         logging.WithComponent(logger, "api"),
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	interval := resolveDuration(*sweepInterval, "COURSECAST_SWEEP_INTERVAL", 15*time.Minute)
	stopUploadSweep := startSweepWorker(workerCtx, logging.WithComponent(logger, "sweeper"), "upload-orphans",
		sweeperFunc(uploads.SweepOrphans), interval)
	defer stopUploadSweep()
	stopPackageSweep := startSweepWorker(workerCtx, logging.WithComponent(logger, "sweeper"), "expired-packages",
		sweeperFunc(builder.SweepExpired), interval)
	defer stopPackageSweep()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("COURSECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("COURSECAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             resolveFloat(*globalRPS, "COURSECAST_RATE_GLOBAL_RPS"),
			GlobalBurst:           resolveInt(*globalBurst, "COURSECAST_RATE_GLOBAL_BURST"),
			ChunkLimit:            resolveInt(*chunkLimit, "COURSECAST_RATE_CHUNK_LIMIT"),
			ChunkWindow:           resolveDuration(*chunkWindow, "COURSECAST_RATE_CHUNK_WINDOW", time.Minute),
			Store:                 sessions,
			TrustForwardedHeaders: resolveBool(*trustForwarded, "COURSECAST_RATE_TRUST_FORWARDED_HEADERS"),
			TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("COURSECAST_RATE_TRUSTED_PROXIES"))),
		},
		CORS: server.CORSConfig{
			StudioOrigins: splitAndTrim(firstNonEmpty(*studioOrigins, os.Getenv("COURSECAST_CORS_STUDIO_ORIGINS"))),
			PlayerOrigins: splitAndTrim(firstNonEmpty(*playerOrigins, os.Getenv("COURSECAST_CORS_PLAYER_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		Mode:             serverMode,
		Addr:             listenAddr,
		StorageDriver:    driver,
		StoragePath:      resolveDataPath(*dataPath, os.Getenv("COURSECAST_DATA")),
		StorageDSN:       postgresDefaultDSN,
		SessionDriver:    sessionDriver,
		SessionRedisAddr: firstNonEmpty(*sessionRedisAddr, os.Getenv("COURSECAST_SESSION_REDIS_ADDR")),
		BlobDir:          resolveBlobDir(*blobDir, os.Getenv("COURSECAST_BLOB_DIR")),
		ArchiveEnabled:   archive.Enabled(),
		TranscodeWorkers: resolveInt(*transcodeWorkers, "COURSECAST_TRANSCODE_WORKERS"),
		PackageWorkers:   resolveInt(*packageWorkers, "COURSECAST_PACKAGE_WORKERS"),
	})
	logger.Info("startup configuration", summary.LogArgs()...)

	errs := make(chan error, 1)
	go func() {
		logger.Info("CourseCast API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	stopUploadSweep()
	stopPackageSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := builder.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop package builder", "error", err)
	}
	if err := orchestrator.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop transcoding orchestrator", "error", err)
	}
	if err := catalog.Close(ctx); err != nil {
		logger.Warn("failed to close catalog", "error", err)
	}
	if closer, ok := sessions.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveSessionDriver(flagValue, envValue, redisAddr string) string {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver == "" {
		if strings.TrimSpace(redisAddr) != "" {
			return "redis"
		}
		return "memory"
	}
	return driver
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/catalog.json"
}

func resolveBlobDir(flagValue, envValue string) string {
	if dir := strings.TrimSpace(flagValue); dir != "" {
		return dir
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/blobs"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("COURSECAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
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

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

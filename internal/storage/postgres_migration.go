package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		filename TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		source_key TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS videos_owner_idx ON videos (owner_id)`,
	`CREATE TABLE IF NOT EXISTS video_variants (
		video_id TEXT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		quality TEXT NOT NULL,
		format TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		bitrate INTEGER NOT NULL DEFAULT 0,
		storage_key TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (video_id, quality, format)
	)`,
	`CREATE TABLE IF NOT EXISTS transcoding_jobs (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		input_key TEXT NOT NULL DEFAULT '',
		profiles JSONB NOT NULL,
		formats JSONB NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_profile TEXT NOT NULL DEFAULT '',
		current_format TEXT NOT NULL DEFAULT '',
		failures JSONB,
		error TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS transcoding_jobs_video_idx ON transcoding_jobs (video_id)`,
	`CREATE TABLE IF NOT EXISTS offline_packages (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		video_id TEXT NOT NULL REFERENCES videos (id) ON DELETE CASCADE,
		quality TEXT NOT NULL,
		format TEXT NOT NULL,
		include_subtitles BOOLEAN NOT NULL DEFAULT FALSE,
		include_chapters BOOLEAN NOT NULL DEFAULT FALSE,
		include_notes BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		storage_key TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0,
		max_downloads INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS offline_packages_owner_idx ON offline_packages (owner_id)`,
	`CREATE INDEX IF NOT EXISTS offline_packages_video_idx ON offline_packages (video_id)`,
}

// MigratePostgres applies the catalog schema. Every statement is idempotent
// so the migration can run on each boot.
func MigratePostgres(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()
	for _, stmt := range migrationStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

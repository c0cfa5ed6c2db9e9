package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"coursecast/internal/models"
)

// Snapshot is a flat export of the catalog, used to move data between the
// JSON and Postgres backends.
type Snapshot struct {
	Videos   []models.Video
	Variants []models.QualityVariant
	Jobs     []models.TranscodingJob
	Packages []models.OfflinePackage
}

// SnapshotCounts summarizes a snapshot for logging and verification.
type SnapshotCounts struct {
	Videos   int
	Variants int
	Jobs     int
	Packages int
}

// Counts returns the record totals for the snapshot.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Videos:   len(s.Videos),
		Variants: len(s.Variants),
		Jobs:     len(s.Jobs),
		Packages: len(s.Packages),
	}
}

// LoadSnapshotFromJSON reads a JSON datastore file and flattens it into a
// deterministic, sorted snapshot.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return Snapshot{}, fmt.Errorf("decode store file: %w", err)
	}

	var snapshot Snapshot
	for _, video := range data.Videos {
		snapshot.Videos = append(snapshot.Videos, video)
	}
	for _, variant := range data.Variants {
		snapshot.Variants = append(snapshot.Variants, variant)
	}
	for _, job := range data.Jobs {
		snapshot.Jobs = append(snapshot.Jobs, job)
	}
	for _, pkg := range data.Packages {
		snapshot.Packages = append(snapshot.Packages, pkg)
	}

	sort.Slice(snapshot.Videos, func(i, j int) bool { return snapshot.Videos[i].ID < snapshot.Videos[j].ID })
	sort.Slice(snapshot.Variants, func(i, j int) bool {
		a, b := snapshot.Variants[i], snapshot.Variants[j]
		if a.VideoID != b.VideoID {
			return a.VideoID < b.VideoID
		}
		if a.Quality != b.Quality {
			return a.Quality < b.Quality
		}
		return a.Format < b.Format
	})
	sort.Slice(snapshot.Jobs, func(i, j int) bool { return snapshot.Jobs[i].ID < snapshot.Jobs[j].ID })
	sort.Slice(snapshot.Packages, func(i, j int) bool { return snapshot.Packages[i].ID < snapshot.Packages[j].ID })
	return snapshot, nil
}

// ImportSnapshotToPostgres writes the snapshot into the Postgres repository,
// preserving the original IDs. Existing rows with the same key are left
// untouched so the import can be re-run after a partial failure.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot Snapshot) error {
	pg, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("repository is not postgres-backed")
	}

	for _, video := range snapshot.Videos {
		metadataRaw, err := encodeMetadata(video.Metadata)
		if err != nil {
			return fmt.Errorf("video %s: %w", video.ID, err)
		}
		_, err = pg.pool.Exec(ctx,
			`INSERT INTO videos (id, owner_id, title, filename, size_bytes, source_key, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			video.ID, video.OwnerID, video.Title, video.Filename, video.SizeBytes,
			video.SourceKey, metadataRaw, video.CreatedAt)
		if err != nil {
			return fmt.Errorf("import video %s: %w", video.ID, err)
		}
	}

	for _, variant := range snapshot.Variants {
		_, err := pg.pool.Exec(ctx,
			`INSERT INTO video_variants (video_id, quality, format, width, height, bitrate, storage_key, size_bytes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (video_id, quality, format) DO NOTHING`,
			variant.VideoID, variant.Quality, variant.Format, variant.Width, variant.Height,
			variant.Bitrate, variant.StorageKey, variant.SizeBytes, variant.CreatedAt)
		if err != nil {
			return fmt.Errorf("import variant %s/%s/%s: %w", variant.VideoID, variant.Quality, variant.Format, err)
		}
	}

	for _, job := range snapshot.Jobs {
		profilesRaw, err := json.Marshal(job.Profiles)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
		formatsRaw, err := json.Marshal(job.Formats)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
		var failuresRaw []byte
		if len(job.Failures) > 0 {
			failuresRaw, err = json.Marshal(job.Failures)
			if err != nil {
				return fmt.Errorf("job %s: %w", job.ID, err)
			}
		}
		_, err = pg.pool.Exec(ctx,
			`INSERT INTO transcoding_jobs (id, video_id, input_key, profiles, formats, priority, status, progress,
			   current_profile, current_format, failures, error, submitted_at, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (id) DO NOTHING`,
			job.ID, job.VideoID, job.InputKey, profilesRaw, formatsRaw, job.Priority, job.Status,
			job.Progress, job.CurrentProfile, job.CurrentFormat, failuresRaw, job.Error,
			job.SubmittedAt, job.StartedAt, job.FinishedAt)
		if err != nil {
			return fmt.Errorf("import job %s: %w", job.ID, err)
		}
	}

	for _, pkg := range snapshot.Packages {
		_, err := pg.pool.Exec(ctx,
			`INSERT INTO offline_packages (id, owner_id, video_id, quality, format, include_subtitles,
			   include_chapters, include_notes, status, storage_key, size_bytes, download_count,
			   max_downloads, error, created_at, expires_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			 ON CONFLICT (id) DO NOTHING`,
			pkg.ID, pkg.OwnerID, pkg.VideoID, pkg.Quality, pkg.Format, pkg.IncludeSubtitles,
			pkg.IncludeChapters, pkg.IncludeNotes, pkg.Status, pkg.StorageKey, pkg.SizeBytes,
			pkg.DownloadCount, pkg.MaxDownloads, pkg.Error, pkg.CreatedAt, pkg.ExpiresAt, pkg.CompletedAt)
		if err != nil {
			return fmt.Errorf("import package %s: %w", pkg.ID, err)
		}
	}

	return nil
}

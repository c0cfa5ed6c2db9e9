package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursecast/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed catalog. The caller must
// ensure MigratePostgres has been applied prior to invoking this constructor.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

const videoColumns = "id, owner_id, title, filename, size_bytes, source_key, metadata, created_at"

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var metadataRaw []byte
	if err := row.Scan(&video.ID, &video.OwnerID, &video.Title, &video.Filename,
		&video.SizeBytes, &video.SourceKey, &metadataRaw, &video.CreatedAt); err != nil {
		return models.Video{}, err
	}
	metadata, err := decodeMetadata(metadataRaw)
	if err != nil {
		return models.Video{}, err
	}
	video.Metadata = metadata
	return video, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.Video{}, errors.New("owner id required")
	}
	if strings.TrimSpace(params.Filename) == "" {
		return models.Video{}, errors.New("filename required")
	}
	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = params.Filename
	}
	metadataRaw, err := encodeMetadata(params.Metadata)
	if err != nil {
		return models.Video{}, err
	}
	createdAt := r.cfg.Clock()

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO videos (id, owner_id, title, filename, size_bytes, source_key, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, params.OwnerID, title, params.Filename, params.SizeBytes, params.SourceKey, metadataRaw, createdAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return models.Video{
		ID:        id,
		OwnerID:   params.OwnerID,
		Title:     title,
		Filename:  params.Filename,
		SizeBytes: params.SizeBytes,
		SourceKey: params.SourceKey,
		Metadata:  params.Metadata,
		CreatedAt: createdAt,
	}, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos(ownerID string) []models.Video {
	ctx, cancel := r.opContext()
	defer cancel()
	query := `SELECT ` + videoColumns + ` FROM videos ORDER BY created_at, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + videoColumns + ` FROM videos WHERE owner_id = $1 ORDER BY created_at, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	current, ok := r.GetVideo(id)
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if update.Title != nil {
		trimmed := strings.TrimSpace(*update.Title)
		if trimmed == "" {
			return models.Video{}, errors.New("title cannot be empty")
		}
		current.Title = trimmed
	}
	if update.SourceKey != nil {
		current.SourceKey = *update.SourceKey
	}
	if update.SizeBytes != nil {
		current.SizeBytes = *update.SizeBytes
	}
	if update.Metadata != nil {
		current.Metadata = update.Metadata
	}
	metadataRaw, err := encodeMetadata(current.Metadata)
	if err != nil {
		return models.Video{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET title = $2, source_key = $3, size_bytes = $4, metadata = $5 WHERE id = $1`,
		id, current.Title, current.SourceKey, current.SizeBytes, metadataRaw)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Video{}, ErrNotFound
	}
	return current, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const variantColumns = "video_id, quality, format, width, height, bitrate, storage_key, size_bytes, created_at"

func scanVariant(row pgx.Row) (models.QualityVariant, error) {
	var variant models.QualityVariant
	err := row.Scan(&variant.VideoID, &variant.Quality, &variant.Format, &variant.Width,
		&variant.Height, &variant.Bitrate, &variant.StorageKey, &variant.SizeBytes, &variant.CreatedAt)
	return variant, err
}

func (r *postgresRepository) RegisterVariant(params RegisterVariantParams) (models.QualityVariant, error) {
	if strings.TrimSpace(params.Quality) == "" || strings.TrimSpace(params.Format) == "" {
		return models.QualityVariant{}, errors.New("quality and format required")
	}
	variant := models.QualityVariant{
		VideoID:    params.VideoID,
		Quality:    params.Quality,
		Width:      params.Width,
		Height:     params.Height,
		Bitrate:    params.Bitrate,
		Format:     params.Format,
		StorageKey: params.StorageKey,
		SizeBytes:  params.SizeBytes,
		CreatedAt:  r.cfg.Clock(),
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO video_variants (video_id, quality, format, width, height, bitrate, storage_key, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (video_id, quality, format) DO UPDATE SET
		   width = EXCLUDED.width, height = EXCLUDED.height, bitrate = EXCLUDED.bitrate,
		   storage_key = EXCLUDED.storage_key, size_bytes = EXCLUDED.size_bytes, created_at = EXCLUDED.created_at`,
		variant.VideoID, variant.Quality, variant.Format, variant.Width, variant.Height,
		variant.Bitrate, variant.StorageKey, variant.SizeBytes, variant.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.QualityVariant{}, ErrNotFound
		}
		return models.QualityVariant{}, fmt.Errorf("register variant: %w", err)
	}
	return variant, nil
}

func (r *postgresRepository) GetVariant(videoID, quality, format string) (models.QualityVariant, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	variant, err := scanVariant(r.pool.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM video_variants WHERE video_id = $1 AND quality = $2 AND format = $3`,
		videoID, quality, format))
	if err != nil {
		return models.QualityVariant{}, false
	}
	return variant, true
}

func (r *postgresRepository) ListVariants(videoID string) []models.QualityVariant {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+variantColumns+` FROM video_variants WHERE video_id = $1 ORDER BY bitrate, quality, format`,
		videoID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var variants []models.QualityVariant
	for rows.Next() {
		variant, err := scanVariant(rows)
		if err != nil {
			return nil
		}
		variants = append(variants, variant)
	}
	return variants
}

func (r *postgresRepository) DeleteVariants(videoID string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM video_variants WHERE video_id = $1`, videoID); err != nil {
		return fmt.Errorf("delete variants: %w", err)
	}
	return nil
}

const jobColumns = "id, video_id, input_key, profiles, formats, priority, status, progress, current_profile, current_format, failures, error, submitted_at, started_at, finished_at"

func scanJob(row pgx.Row) (models.TranscodingJob, error) {
	var job models.TranscodingJob
	var profilesRaw, formatsRaw, failuresRaw []byte
	if err := row.Scan(&job.ID, &job.VideoID, &job.InputKey, &profilesRaw, &formatsRaw,
		&job.Priority, &job.Status, &job.Progress, &job.CurrentProfile, &job.CurrentFormat,
		&failuresRaw, &job.Error, &job.SubmittedAt, &job.StartedAt, &job.FinishedAt); err != nil {
		return models.TranscodingJob{}, err
	}
	if err := json.Unmarshal(profilesRaw, &job.Profiles); err != nil {
		return models.TranscodingJob{}, fmt.Errorf("decode profiles: %w", err)
	}
	if err := json.Unmarshal(formatsRaw, &job.Formats); err != nil {
		return models.TranscodingJob{}, fmt.Errorf("decode formats: %w", err)
	}
	if len(failuresRaw) > 0 {
		if err := json.Unmarshal(failuresRaw, &job.Failures); err != nil {
			return models.TranscodingJob{}, fmt.Errorf("decode failures: %w", err)
		}
	}
	return job, nil
}

func (r *postgresRepository) CreateJob(params CreateJobParams) (models.TranscodingJob, error) {
	if len(params.Profiles) == 0 || len(params.Formats) == 0 {
		return models.TranscodingJob{}, errors.New("profiles and formats required")
	}
	id, err := generateID()
	if err != nil {
		return models.TranscodingJob{}, err
	}
	profilesRaw, err := json.Marshal(params.Profiles)
	if err != nil {
		return models.TranscodingJob{}, err
	}
	formatsRaw, err := json.Marshal(params.Formats)
	if err != nil {
		return models.TranscodingJob{}, err
	}
	submittedAt := r.cfg.Clock()

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO transcoding_jobs (id, video_id, input_key, profiles, formats, priority, status, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, params.VideoID, params.InputKey, profilesRaw, formatsRaw, params.Priority, models.JobQueued, submittedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.TranscodingJob{}, ErrNotFound
		}
		return models.TranscodingJob{}, fmt.Errorf("insert job: %w", err)
	}
	return models.TranscodingJob{
		ID:          id,
		VideoID:     params.VideoID,
		InputKey:    params.InputKey,
		Profiles:    append([]string(nil), params.Profiles...),
		Formats:     append([]string(nil), params.Formats...),
		Priority:    params.Priority,
		Status:      models.JobQueued,
		SubmittedAt: submittedAt,
	}, nil
}

func (r *postgresRepository) GetJob(id string) (models.TranscodingJob, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	job, err := scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcoding_jobs WHERE id = $1`, id))
	if err != nil {
		return models.TranscodingJob{}, false
	}
	return job, true
}

func (r *postgresRepository) ListJobs(videoID string) []models.TranscodingJob {
	ctx, cancel := r.opContext()
	defer cancel()
	query := `SELECT ` + jobColumns + ` FROM transcoding_jobs ORDER BY submitted_at, id`
	args := []any{}
	if videoID != "" {
		query = `SELECT ` + jobColumns + ` FROM transcoding_jobs WHERE video_id = $1 ORDER BY submitted_at, id`
		args = append(args, videoID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var jobs []models.TranscodingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *postgresRepository) UpdateJob(id string, update JobUpdate) (models.TranscodingJob, error) {
	job, ok := r.GetJob(id)
	if !ok {
		return models.TranscodingJob{}, ErrNotFound
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.CurrentProfile != nil {
		job.CurrentProfile = *update.CurrentProfile
	}
	if update.CurrentFormat != nil {
		job.CurrentFormat = *update.CurrentFormat
	}
	if update.AppendFailure != nil {
		job.Failures = append(job.Failures, *update.AppendFailure)
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.StartedAt != nil {
		started := *update.StartedAt
		job.StartedAt = &started
	}
	if update.FinishedAt != nil {
		finished := *update.FinishedAt
		job.FinishedAt = &finished
	}
	var failuresRaw []byte
	if len(job.Failures) > 0 {
		raw, err := json.Marshal(job.Failures)
		if err != nil {
			return models.TranscodingJob{}, err
		}
		failuresRaw = raw
	}

	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE transcoding_jobs SET status = $2, progress = $3, current_profile = $4,
		   current_format = $5, failures = $6, error = $7, started_at = $8, finished_at = $9
		 WHERE id = $1`,
		id, job.Status, job.Progress, job.CurrentProfile, job.CurrentFormat,
		failuresRaw, job.Error, job.StartedAt, job.FinishedAt)
	if err != nil {
		return models.TranscodingJob{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.TranscodingJob{}, ErrNotFound
	}
	return job, nil
}

const packageColumns = "id, owner_id, video_id, quality, format, include_subtitles, include_chapters, include_notes, status, storage_key, size_bytes, download_count, max_downloads, error, created_at, expires_at, completed_at"

func scanPackage(row pgx.Row) (models.OfflinePackage, error) {
	var pkg models.OfflinePackage
	err := row.Scan(&pkg.ID, &pkg.OwnerID, &pkg.VideoID, &pkg.Quality, &pkg.Format,
		&pkg.IncludeSubtitles, &pkg.IncludeChapters, &pkg.IncludeNotes, &pkg.Status,
		&pkg.StorageKey, &pkg.SizeBytes, &pkg.DownloadCount, &pkg.MaxDownloads,
		&pkg.Error, &pkg.CreatedAt, &pkg.ExpiresAt, &pkg.CompletedAt)
	return pkg, err
}

func (r *postgresRepository) CreatePackage(params CreatePackageParams) (models.OfflinePackage, error) {
	id, err := generateID()
	if err != nil {
		return models.OfflinePackage{}, err
	}
	now := r.cfg.Clock()
	pkg := models.OfflinePackage{
		ID:               id,
		OwnerID:          params.OwnerID,
		VideoID:          params.VideoID,
		Quality:          params.Quality,
		Format:           params.Format,
		IncludeSubtitles: params.IncludeSubtitles,
		IncludeChapters:  params.IncludeChapters,
		IncludeNotes:     params.IncludeNotes,
		Status:           models.PackagePending,
		MaxDownloads:     params.MaxDownloads,
		CreatedAt:        now,
		ExpiresAt:        now.Add(params.TTL),
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO offline_packages (id, owner_id, video_id, quality, format, include_subtitles,
		   include_chapters, include_notes, status, max_downloads, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		pkg.ID, pkg.OwnerID, pkg.VideoID, pkg.Quality, pkg.Format, pkg.IncludeSubtitles,
		pkg.IncludeChapters, pkg.IncludeNotes, pkg.Status, pkg.MaxDownloads, pkg.CreatedAt, pkg.ExpiresAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.OfflinePackage{}, ErrNotFound
		}
		return models.OfflinePackage{}, fmt.Errorf("insert package: %w", err)
	}
	return pkg, nil
}

func (r *postgresRepository) GetPackage(id string) (models.OfflinePackage, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	pkg, err := scanPackage(r.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM offline_packages WHERE id = $1`, id))
	if err != nil {
		return models.OfflinePackage{}, false
	}
	return pkg, true
}

func (r *postgresRepository) ListPackages(ownerID, videoID string) []models.OfflinePackage {
	ctx, cancel := r.opContext()
	defer cancel()
	query := `SELECT ` + packageColumns + ` FROM offline_packages`
	var clauses []string
	var args []any
	if ownerID != "" {
		args = append(args, ownerID)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if videoID != "" {
		args = append(args, videoID)
		clauses = append(clauses, fmt.Sprintf("video_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var packages []models.OfflinePackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil
		}
		packages = append(packages, pkg)
	}
	return packages
}

func (r *postgresRepository) UpdatePackage(id string, update PackageUpdate) (models.OfflinePackage, error) {
	pkg, ok := r.GetPackage(id)
	if !ok {
		return models.OfflinePackage{}, ErrNotFound
	}
	if update.Status != nil {
		pkg.Status = *update.Status
	}
	if update.StorageKey != nil {
		pkg.StorageKey = *update.StorageKey
	}
	if update.SizeBytes != nil {
		pkg.SizeBytes = *update.SizeBytes
	}
	if update.Error != nil {
		pkg.Error = *update.Error
	}
	if update.ExpiresAt != nil {
		pkg.ExpiresAt = *update.ExpiresAt
	}
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		pkg.CompletedAt = &completed
	}

	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE offline_packages SET status = $2, storage_key = $3, size_bytes = $4,
		   error = $5, expires_at = $6, completed_at = $7
		 WHERE id = $1`,
		id, pkg.Status, pkg.StorageKey, pkg.SizeBytes, pkg.Error, pkg.ExpiresAt, pkg.CompletedAt)
	if err != nil {
		return models.OfflinePackage{}, fmt.Errorf("update package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.OfflinePackage{}, ErrNotFound
	}
	return pkg, nil
}

func (r *postgresRepository) DeletePackage(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM offline_packages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimPackageDownload increments the counter and enforces the limit in a
// single statement so concurrent claims serialize inside Postgres.
func (r *postgresRepository) ClaimPackageDownload(id string) (models.OfflinePackage, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	pkg, err := scanPackage(r.pool.QueryRow(ctx,
		`UPDATE offline_packages SET download_count = download_count + 1
		 WHERE id = $1 AND (max_downloads <= 0 OR download_count < max_downloads)
		 RETURNING `+packageColumns, id))
	if err == nil {
		return pkg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.OfflinePackage{}, fmt.Errorf("claim download: %w", err)
	}
	if _, ok := r.GetPackage(id); ok {
		return models.OfflinePackage{}, ErrDownloadsExhausted
	}
	return models.OfflinePackage{}, ErrNotFound
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	// 23503 is the Postgres foreign_key_violation code.
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

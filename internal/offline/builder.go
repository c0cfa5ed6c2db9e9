// Package offline assembles downloadable course bundles. A bundle zips one
// finished rendition together with optional companion assets, lives until its
// expiry, and admits a bounded number of downloads.
package offline

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"coursecast/internal/blob"
	"coursecast/internal/errdefs"
	"coursecast/internal/models"
	"coursecast/internal/storage"
	"coursecast/internal/transcode"
)

const (
	defaultBuildWorkers   = 2
	defaultBuildQueueSize = 64
	defaultBuildTimeout   = 10 * time.Minute
	defaultPackageTTL     = 7 * 24 * time.Hour
	maxPackageTTL         = 30 * 24 * time.Hour

	packageKeyPrefix = "packages/"
	assetKeyPrefix   = "assets/"

	zipContentType = "application/zip"
)

// Asset filenames looked up under videos/<id>/assets/ when a bundle opts in.
const (
	subtitlesAsset = "subtitles.vtt"
	chaptersAsset  = "chapters.json"
	notesAsset     = "notes.md"
)

// Config wires the builder's collaborators. Archive may be disabled; bundles
// then live only in local blob storage.
type Config struct {
	Catalog      storage.Repository
	Blobs        blob.Store
	Archive      blob.Archive
	Workers      int
	QueueSize    int
	BuildTimeout time.Duration
	DefaultTTL   time.Duration
	MaxTTL       time.Duration
	Logger       *slog.Logger
}

// Builder runs the background bundle assembly pool.
type Builder struct {
	catalog      storage.Repository
	blobs        blob.Store
	archive      blob.Archive
	workers      int
	buildTimeout time.Duration
	defaultTTL   time.Duration
	maxTTL       time.Duration
	logger       *slog.Logger
	clock        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

func NewBuilder(cfg Config) *Builder {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultBuildWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultBuildQueueSize
	}
	buildTimeout := cfg.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = defaultBuildTimeout
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = defaultPackageTTL
	}
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = maxPackageTTL
	}
	archive := cfg.Archive
	if archive == nil {
		archive = blob.NewArchive(blob.ArchiveConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Builder{
		catalog:      cfg.Catalog,
		blobs:        cfg.Blobs,
		archive:      archive,
		workers:      workers,
		buildTimeout: buildTimeout,
		defaultTTL:   defaultTTL,
		maxTTL:       maxTTL,
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan string, queueSize),
		inFlight:     make(map[string]struct{}),
	}
}

// SetClock overrides the time source for tests.
func (b *Builder) SetClock(clock func() time.Time) {
	if clock != nil {
		b.clock = clock
	}
}

func (b *Builder) Start() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	go b.recoverPending()
}

func (b *Builder) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func packageKey(id string) string { return packageKeyPrefix + id + ".zip" }

// CreateParams describes a bundle request.
type CreateParams struct {
	OwnerID          string
	VideoID          string
	Quality          string
	Format           string
	IncludeSubtitles bool
	IncludeChapters  bool
	IncludeNotes     bool
	MaxDownloads     int
	TTL              time.Duration
}

// Create validates the request, records a pending package, and enqueues the
// asynchronous build.
func (b *Builder) Create(ctx context.Context, params CreateParams) (models.OfflinePackage, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindValidation, "owner id is required")
	}
	if params.MaxDownloads < 0 {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindValidation, "max downloads must not be negative")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	if ttl > b.maxTTL {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindValidation, "ttl exceeds the platform maximum of %s", b.maxTTL)
	}
	if _, ok := b.catalog.GetVideo(params.VideoID); !ok {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindNotFound, "video %s not found", params.VideoID)
	}
	format := strings.ToLower(strings.TrimSpace(params.Format))
	if format == "" {
		format = transcode.FormatMP4
	}
	if !transcode.SupportedFormat(format) {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindValidation, "unsupported format %q", params.Format)
	}
	quality := strings.ToLower(strings.TrimSpace(params.Quality))
	if quality == "" {
		quality = b.bestQuality(params.VideoID, format)
		if quality == "" {
			return models.OfflinePackage{}, errdefs.New(errdefs.KindNotFound, "video %s has no %s variants", params.VideoID, format)
		}
	}
	if _, ok := b.catalog.GetVariant(params.VideoID, quality, format); !ok {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindNotFound, "variant %s/%s not available for video %s", quality, format, params.VideoID)
	}

	pkg, err := b.catalog.CreatePackage(storage.CreatePackageParams{
		OwnerID:          params.OwnerID,
		VideoID:          params.VideoID,
		Quality:          quality,
		Format:           format,
		IncludeSubtitles: params.IncludeSubtitles,
		IncludeChapters:  params.IncludeChapters,
		IncludeNotes:     params.IncludeNotes,
		MaxDownloads:     params.MaxDownloads,
		TTL:              ttl,
	})
	if err != nil {
		return models.OfflinePackage{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "record package")
	}
	b.Enqueue(pkg.ID)
	b.logger.Info("offline package requested",
		"package_id", pkg.ID,
		"video_id", pkg.VideoID,
		"quality", pkg.Quality,
		"format", pkg.Format)
	return pkg, nil
}

// bestQuality picks the highest-bitrate variant of the given format.
func (b *Builder) bestQuality(videoID, format string) string {
	var best models.QualityVariant
	for _, variant := range b.catalog.ListVariants(videoID) {
		if variant.Format != format {
			continue
		}
		if variant.Bitrate >= best.Bitrate {
			best = variant
		}
	}
	return best.Quality
}

// Status returns the current package record.
func (b *Builder) Status(ctx context.Context, id, requesterID string) (models.OfflinePackage, error) {
	pkg, ok := b.catalog.GetPackage(id)
	if !ok {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindNotFound, "package %s not found", id)
	}
	if pkg.OwnerID != requesterID {
		return models.OfflinePackage{}, errdefs.New(errdefs.KindForbidden, "package %s belongs to another owner", id)
	}
	return pkg, nil
}

// Download admits one bounded retrieval: the counter is bumped before any
// bytes flow, so concurrent callers cannot exceed maxDownloads.
func (b *Builder) Download(ctx context.Context, id, requesterID string) (io.ReadSeekCloser, blob.Info, models.OfflinePackage, error) {
	pkg, ok := b.catalog.GetPackage(id)
	if !ok {
		return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindNotFound, "package %s not found", id)
	}
	if pkg.OwnerID != requesterID {
		return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindForbidden, "package %s belongs to another owner", id)
	}
	switch pkg.Status {
	case models.PackageReady:
	case models.PackageFailed:
		return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindInvalidState, "package %s failed to build", id)
	default:
		return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindInvalidState, "package %s is still building", id)
	}
	if !b.clock().Before(pkg.ExpiresAt) {
		return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindExpired, "package %s has expired", id)
	}

	claimed, err := b.catalog.ClaimPackageDownload(id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDownloadsExhausted):
			return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindLimitExceeded, "package %s download limit reached", id)
		case errors.Is(err, storage.ErrNotFound):
			return nil, blob.Info{}, models.OfflinePackage{}, errdefs.New(errdefs.KindNotFound, "package %s not found", id)
		default:
			return nil, blob.Info{}, models.OfflinePackage{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "claim download")
		}
	}

	reader, info, err := b.blobs.Open(ctx, pkg.StorageKey)
	if err != nil {
		return nil, blob.Info{}, models.OfflinePackage{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "open package %s", id)
	}
	b.logger.Info("offline package download",
		"package_id", id,
		"download_count", claimed.DownloadCount,
		"max_downloads", claimed.MaxDownloads)
	return reader, info, claimed, nil
}

// Delete removes the bundle blob, the archive mirror, and the record.
func (b *Builder) Delete(ctx context.Context, id, requesterID string) error {
	pkg, ok := b.catalog.GetPackage(id)
	if !ok {
		return errdefs.New(errdefs.KindNotFound, "package %s not found", id)
	}
	if pkg.OwnerID != requesterID {
		return errdefs.New(errdefs.KindForbidden, "package %s belongs to another owner", id)
	}
	if pkg.StorageKey != "" {
		if err := b.blobs.Delete(ctx, pkg.StorageKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return errdefs.Wrap(errdefs.KindUpstreamFailure, err, "delete bundle %s", id)
		}
	}
	if b.archive.Enabled() {
		if err := b.archive.Delete(ctx, packageKey(id)); err != nil {
			b.logger.Warn("archive delete failed", "package_id", id, "error", err)
		}
	}
	if err := b.catalog.DeletePackage(id); err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamFailure, err, "delete package %s", id)
	}
	b.logger.Info("offline package deleted", "package_id", id)
	return nil
}

// SweepExpired reclaims bundles whose expiry has passed.
func (b *Builder) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, pkg := range b.catalog.ListPackages("", "") {
		if pkg.ExpiresAt.IsZero() || b.clock().Before(pkg.ExpiresAt) {
			continue
		}
		if pkg.StorageKey != "" {
			if err := b.blobs.Delete(ctx, pkg.StorageKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
				b.logger.Error("sweep: delete bundle failed", "package_id", pkg.ID, "error", err)
				continue
			}
		}
		if b.archive.Enabled() {
			if err := b.archive.Delete(ctx, packageKey(pkg.ID)); err != nil {
				b.logger.Warn("sweep: archive delete failed", "package_id", pkg.ID, "error", err)
			}
		}
		if err := b.catalog.DeletePackage(pkg.ID); err != nil {
			b.logger.Error("sweep: delete record failed", "package_id", pkg.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("expired packages swept", "removed", removed)
	}
	return removed, nil
}

func (b *Builder) Enqueue(id string) {
	if b == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-b.ctx.Done():
		return
	default:
	}
	select {
	case b.queue <- id:
	case <-b.ctx.Done():
	}
}

func (b *Builder) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case id := <-b.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !b.beginWork(id) {
				continue
			}
			b.buildPackage(id)
			b.finishWork(id)
		}
	}
}

func (b *Builder) beginWork(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.inFlight[id]; exists {
		return false
	}
	b.inFlight[id] = struct{}{}
	return true
}

func (b *Builder) finishWork(id string) {
	b.mu.Lock()
	delete(b.inFlight, id)
	b.mu.Unlock()
}

func (b *Builder) recoverPending() {
	for _, pkg := range b.catalog.ListPackages("", "") {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		if pkg.Status == models.PackagePending || pkg.Status == models.PackageBuilding {
			b.Enqueue(pkg.ID)
		}
	}
}

func (b *Builder) buildPackage(id string) {
	pkg, ok := b.catalog.GetPackage(id)
	if !ok {
		return
	}
	if pkg.Status == models.PackageReady || pkg.Status == models.PackageFailed {
		return
	}

	building := models.PackageBuilding
	if _, err := b.catalog.UpdatePackage(id, storage.PackageUpdate{Status: &building}); err != nil {
		b.logger.Error("failed to mark package building", "package_id", id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.buildTimeout)
	defer cancel()

	written, err := b.assembleBundle(ctx, pkg)
	if err != nil {
		b.failPackage(id, err)
		return
	}

	if b.archive.Enabled() {
		if err := b.mirrorBundle(ctx, id); err != nil {
			b.logger.Warn("archive mirror failed", "package_id", id, "error", err)
		}
	}

	ready := models.PackageReady
	key := packageKey(id)
	completedAt := b.clock()
	empty := ""
	if _, err := b.catalog.UpdatePackage(id, storage.PackageUpdate{
		Status:      &ready,
		StorageKey:  &key,
		SizeBytes:   &written,
		Error:       &empty,
		CompletedAt: &completedAt,
	}); err != nil {
		b.logger.Error("failed to mark package ready", "package_id", id, "error", err)
		return
	}
	b.logger.Info("offline package built",
		"package_id", id,
		"video_id", pkg.VideoID,
		"bytes", written)
}

// assembleBundle streams the zip straight into blob storage via a pipe so the
// bundle never has to fit in memory.
func (b *Builder) assembleBundle(ctx context.Context, pkg models.OfflinePackage) (int64, error) {
	video, ok := b.catalog.GetVideo(pkg.VideoID)
	if !ok {
		return 0, fmt.Errorf("video %s no longer exists", pkg.VideoID)
	}
	variant, ok := b.catalog.GetVariant(pkg.VideoID, pkg.Quality, pkg.Format)
	if !ok {
		return 0, fmt.Errorf("variant %s/%s no longer exists", pkg.Quality, pkg.Format)
	}
	artifactKeys, err := b.blobs.List(ctx, path.Dir(variant.StorageKey))
	if err != nil {
		return 0, fmt.Errorf("list variant artifacts: %w", err)
	}
	if len(artifactKeys) == 0 {
		return 0, fmt.Errorf("variant %s/%s has no artifacts", pkg.Quality, pkg.Format)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(b.writeBundle(ctx, pw, video, pkg, artifactKeys))
	}()

	written, err := b.blobs.Put(ctx, packageKey(pkg.ID), pr)
	if err != nil {
		pr.CloseWithError(err)
		_ = b.blobs.Delete(ctx, packageKey(pkg.ID))
		return 0, fmt.Errorf("store bundle: %w", err)
	}
	return written, nil
}

func (b *Builder) writeBundle(ctx context.Context, w io.Writer, video models.Video, pkg models.OfflinePackage, artifactKeys []string) error {
	archive := zip.NewWriter(w)

	for _, key := range artifactKeys {
		if err := b.copyEntry(ctx, archive, key, "media/"+path.Base(key)); err != nil {
			return err
		}
	}

	type optionalAsset struct {
		include bool
		name    string
	}
	for _, asset := range []optionalAsset{
		{pkg.IncludeSubtitles, subtitlesAsset},
		{pkg.IncludeChapters, chaptersAsset},
		{pkg.IncludeNotes, notesAsset},
	} {
		if !asset.include {
			continue
		}
		key := "videos/" + pkg.VideoID + "/" + assetKeyPrefix + asset.name
		if _, err := b.blobs.Stat(ctx, key); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				b.logger.Debug("optional asset missing", "package_id", pkg.ID, "asset", asset.name)
				continue
			}
			return fmt.Errorf("stat asset %s: %w", asset.name, err)
		}
		if err := b.copyEntry(ctx, archive, key, asset.name); err != nil {
			return err
		}
	}

	manifest, err := archive.Create("manifest.json")
	if err != nil {
		return fmt.Errorf("create manifest entry: %w", err)
	}
	encoder := json.NewEncoder(manifest)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(bundleManifest{
		PackageID:   pkg.ID,
		VideoID:     video.ID,
		Title:       video.Title,
		Quality:     pkg.Quality,
		Format:      pkg.Format,
		GeneratedAt: b.clock(),
		ExpiresAt:   pkg.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	return archive.Close()
}

type bundleManifest struct {
	PackageID   string    `json:"packageId"`
	VideoID     string    `json:"videoId"`
	Title       string    `json:"title"`
	Quality     string    `json:"quality"`
	Format      string    `json:"format"`
	GeneratedAt time.Time `json:"generatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (b *Builder) copyEntry(ctx context.Context, archive *zip.Writer, key, name string) error {
	reader, _, err := b.blobs.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer reader.Close()
	entry, err := archive.Create(name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, reader); err != nil {
		return fmt.Errorf("copy %s: %w", key, err)
	}
	return nil
}

func (b *Builder) mirrorBundle(ctx context.Context, id string) error {
	reader, _, err := b.blobs.Open(ctx, packageKey(id))
	if err != nil {
		return err
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	_, err = b.archive.Upload(ctx, packageKey(id), zipContentType, body)
	return err
}

func (b *Builder) failPackage(id string, cause error) {
	failed := models.PackageFailed
	message := strings.TrimSpace(cause.Error())
	if _, err := b.catalog.UpdatePackage(id, storage.PackageUpdate{
		Status: &failed,
		Error:  &message,
	}); err != nil {
		b.logger.Error("failed to update failed package", "package_id", id, "error", err, "failure", cause)
		return
	}
	b.logger.Error("offline package build failed", "package_id", id, "error", cause)
}

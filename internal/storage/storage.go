// Package storage persists the video catalog: source videos, their quality
// variants, transcoding jobs, and offline packages. Two backends implement
// the same Repository contract, a JSON file store for single-node deployments
// and a Postgres store for clustered ones.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"coursecast/internal/models"
)

type dataset struct {
	Videos   map[string]models.Video          `json:"videos"`
	Variants map[string]models.QualityVariant `json:"variants"`
	Jobs     map[string]models.TranscodingJob `json:"jobs"`
	Packages map[string]models.OfflinePackage `json:"packages"`
}

// Storage is the JSON-file backed repository. All reads return clones so
// callers can never mutate shared state, and every write persists the full
// dataset atomically, rolling the in-memory view back when the write fails.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if store.clock == nil {
		store.clock = func() time.Time { return time.Now().UTC() }
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func newDataset() dataset {
	return dataset{
		Videos:   make(map[string]models.Video),
		Variants: make(map[string]models.QualityVariant),
		Jobs:     make(map[string]models.TranscodingJob),
		Packages: make(map[string]models.OfflinePackage),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.Variants == nil {
		s.data.Variants = make(map[string]models.QualityVariant)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.TranscodingJob)
	}
	if s.data.Packages == nil {
		s.data.Packages = make(map[string]models.OfflinePackage)
	}
}

func (s *Storage) load() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var data dataset
	if err := decoder.Decode(&data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	s.data = data
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "catalog-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, video := range src.Videos {
		clone.Videos[id] = cloneVideo(video)
	}
	for key, variant := range src.Variants {
		clone.Variants[key] = variant
	}
	for id, job := range src.Jobs {
		clone.Jobs[id] = cloneJob(job)
	}
	for id, pkg := range src.Packages {
		clone.Packages[id] = clonePackage(pkg)
	}
	return clone
}

func cloneVideo(video models.Video) models.Video {
	cloned := video
	if video.Metadata != nil {
		meta := make(map[string]string, len(video.Metadata))
		for k, v := range video.Metadata {
			meta[k] = v
		}
		cloned.Metadata = meta
	}
	return cloned
}

func cloneJob(job models.TranscodingJob) models.TranscodingJob {
	cloned := job
	if job.Profiles != nil {
		cloned.Profiles = append([]string(nil), job.Profiles...)
	}
	if job.Formats != nil {
		cloned.Formats = append([]string(nil), job.Formats...)
	}
	if job.Failures != nil {
		cloned.Failures = append([]models.PairFailure(nil), job.Failures...)
	}
	if job.StartedAt != nil {
		started := *job.StartedAt
		cloned.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		cloned.FinishedAt = &finished
	}
	return cloned
}

func clonePackage(pkg models.OfflinePackage) models.OfflinePackage {
	cloned := pkg
	if pkg.CompletedAt != nil {
		completed := *pkg.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func variantKey(videoID, quality, format string) string {
	return videoID + "/" + quality + "/" + format
}

// Ping reports readiness; the JSON store is always ready once loaded.
func (s *Storage) Ping(context.Context) error { return nil }

// Close is a no-op for the JSON store.
func (s *Storage) Close(context.Context) error { return nil }

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = params.Filename
	}
	video := models.Video{
		ID:        id,
		OwnerID:   params.OwnerID,
		Title:     title,
		Filename:  params.Filename,
		SizeBytes: params.SizeBytes,
		SourceKey: params.SourceKey,
		CreatedAt: s.clock(),
	}
	if len(params.Metadata) > 0 {
		meta := make(map[string]string, len(params.Metadata))
		for k, v := range params.Metadata {
			meta[k] = v
		}
		video.Metadata = meta
	}

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

func (s *Storage) ListVideos(ownerID string) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		if ownerID != "" && video.OwnerID != ownerID {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	previous := cloneVideo(video)
	if update.Title != nil {
		trimmed := strings.TrimSpace(*update.Title)
		if trimmed == "" {
			return models.Video{}, errors.New("title cannot be empty")
		}
		video.Title = trimmed
	}
	if update.SourceKey != nil {
		video.SourceKey = *update.SourceKey
	}
	if update.SizeBytes != nil {
		video.SizeBytes = *update.SizeBytes
	}
	if update.Metadata != nil {
		meta := make(map[string]string, len(update.Metadata))
		for k, v := range update.Metadata {
			meta[k] = v
		}
		video.Metadata = meta
	}
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

// DeleteVideo removes the catalog entry together with its variants, jobs, and
// packages. Blob cleanup is the caller's responsibility.
func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Videos[id]; !ok {
		return ErrNotFound
	}
	snapshot := cloneDataset(s.data)
	delete(s.data.Videos, id)
	for key, variant := range s.data.Variants {
		if variant.VideoID == id {
			delete(s.data.Variants, key)
		}
	}
	for jobID, job := range s.data.Jobs {
		if job.VideoID == id {
			delete(s.data.Jobs, jobID)
		}
	}
	for pkgID, pkg := range s.data.Packages {
		if pkg.VideoID == id {
			delete(s.data.Packages, pkgID)
		}
	}
	if err := s.persist(); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Storage) RegisterVariant(params RegisterVariantParams) (models.QualityVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()
	if _, ok := s.data.Videos[params.VideoID]; !ok {
		return models.QualityVariant{}, ErrNotFound
	}
	if strings.TrimSpace(params.Quality) == "" || strings.TrimSpace(params.Format) == "" {
		return models.QualityVariant{}, errors.New("quality and format required")
	}
	key := variantKey(params.VideoID, params.Quality, params.Format)
	previous, existed := s.data.Variants[key]
	variant := models.QualityVariant{
		VideoID:    params.VideoID,
		Quality:    params.Quality,
		Width:      params.Width,
		Height:     params.Height,
		Bitrate:    params.Bitrate,
		Format:     params.Format,
		StorageKey: params.StorageKey,
		SizeBytes:  params.SizeBytes,
		CreatedAt:  s.clock(),
	}
	s.data.Variants[key] = variant
	if err := s.persist(); err != nil {
		if existed {
			s.data.Variants[key] = previous
		} else {
			delete(s.data.Variants, key)
		}
		return models.QualityVariant{}, err
	}
	return variant, nil
}

func (s *Storage) GetVariant(videoID, quality, format string) (models.QualityVariant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	variant, ok := s.data.Variants[variantKey(videoID, quality, format)]
	return variant, ok
}

// ListVariants returns the video's variants ordered by ascending bitrate so
// manifest rendering can emit the ladder bottom-up.
func (s *Storage) ListVariants(videoID string) []models.QualityVariant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var variants []models.QualityVariant
	for _, variant := range s.data.Variants {
		if variant.VideoID == videoID {
			variants = append(variants, variant)
		}
	}
	sort.Slice(variants, func(i, j int) bool {
		if variants[i].Bitrate == variants[j].Bitrate {
			if variants[i].Quality == variants[j].Quality {
				return variants[i].Format < variants[j].Format
			}
			return variants[i].Quality < variants[j].Quality
		}
		return variants[i].Bitrate < variants[j].Bitrate
	})
	return variants
}

func (s *Storage) DeleteVariants(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := cloneDataset(s.data)
	removed := false
	for key, variant := range s.data.Variants {
		if variant.VideoID == videoID {
			delete(s.data.Variants, key)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	if err := s.persist(); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Storage) CreateJob(params CreateJobParams) (models.TranscodingJob, error) {
	id, err := generateID()
	if err != nil {
		return models.TranscodingJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()
	if _, ok := s.data.Videos[params.VideoID]; !ok {
		return models.TranscodingJob{}, ErrNotFound
	}
	if len(params.Profiles) == 0 || len(params.Formats) == 0 {
		return models.TranscodingJob{}, errors.New("profiles and formats required")
	}

	job := models.TranscodingJob{
		ID:          id,
		VideoID:     params.VideoID,
		InputKey:    params.InputKey,
		Profiles:    append([]string(nil), params.Profiles...),
		Formats:     append([]string(nil), params.Formats...),
		Priority:    params.Priority,
		Status:      models.JobQueued,
		SubmittedAt: s.clock(),
	}
	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		delete(s.data.Jobs, id)
		return models.TranscodingJob{}, err
	}
	return cloneJob(job), nil
}

func (s *Storage) GetJob(id string) (models.TranscodingJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.TranscodingJob{}, false
	}
	return cloneJob(job), true
}

func (s *Storage) ListJobs(videoID string) []models.TranscodingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.TranscodingJob
	for _, job := range s.data.Jobs {
		if videoID != "" && job.VideoID != videoID {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs
}

func (s *Storage) UpdateJob(id string, update JobUpdate) (models.TranscodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.TranscodingJob{}, ErrNotFound
	}
	previous := cloneJob(job)
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
	s.data.Jobs[id] = job
	if err := s.persist(); err != nil {
		s.data.Jobs[id] = previous
		return models.TranscodingJob{}, err
	}
	return cloneJob(job), nil
}

func (s *Storage) CreatePackage(params CreatePackageParams) (models.OfflinePackage, error) {
	id, err := generateID()
	if err != nil {
		return models.OfflinePackage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDatasetInitializedLocked()
	if _, ok := s.data.Videos[params.VideoID]; !ok {
		return models.OfflinePackage{}, ErrNotFound
	}

	now := s.clock()
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
	s.data.Packages[id] = pkg
	if err := s.persist(); err != nil {
		delete(s.data.Packages, id)
		return models.OfflinePackage{}, err
	}
	return clonePackage(pkg), nil
}

func (s *Storage) GetPackage(id string) (models.OfflinePackage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.data.Packages[id]
	if !ok {
		return models.OfflinePackage{}, false
	}
	return clonePackage(pkg), true
}

func (s *Storage) ListPackages(ownerID, videoID string) []models.OfflinePackage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var packages []models.OfflinePackage
	for _, pkg := range s.data.Packages {
		if ownerID != "" && pkg.OwnerID != ownerID {
			continue
		}
		if videoID != "" && pkg.VideoID != videoID {
			continue
		}
		packages = append(packages, clonePackage(pkg))
	}
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].CreatedAt.Equal(packages[j].CreatedAt) {
			return packages[i].ID < packages[j].ID
		}
		return packages[i].CreatedAt.Before(packages[j].CreatedAt)
	})
	return packages
}

func (s *Storage) UpdatePackage(id string, update PackageUpdate) (models.OfflinePackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.data.Packages[id]
	if !ok {
		return models.OfflinePackage{}, ErrNotFound
	}
	previous := clonePackage(pkg)
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
	s.data.Packages[id] = pkg
	if err := s.persist(); err != nil {
		s.data.Packages[id] = previous
		return models.OfflinePackage{}, err
	}
	return clonePackage(pkg), nil
}

func (s *Storage) DeletePackage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.data.Packages[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.data.Packages, id)
	if err := s.persist(); err != nil {
		s.data.Packages[id] = pkg
		return err
	}
	return nil
}

func (s *Storage) ClaimPackageDownload(id string) (models.OfflinePackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.data.Packages[id]
	if !ok {
		return models.OfflinePackage{}, ErrNotFound
	}
	if pkg.MaxDownloads > 0 && pkg.DownloadCount >= pkg.MaxDownloads {
		return models.OfflinePackage{}, ErrDownloadsExhausted
	}
	previous := clonePackage(pkg)
	pkg.DownloadCount++
	s.data.Packages[id] = pkg
	if err := s.persist(); err != nil {
		s.data.Packages[id] = previous
		return models.OfflinePackage{}, err
	}
	return clonePackage(pkg), nil
}

package api

import (
	"log/slog"
	"net/http"
	"time"

	"coursecast/internal/kv"
	"coursecast/internal/models"
	"coursecast/internal/offline"
	"coursecast/internal/storage"
	"coursecast/internal/streaming"
	"coursecast/internal/transcode"
	"coursecast/internal/upload"
)

// Handler carries the collaborators behind the HTTP surface.
type Handler struct {
	Catalog        storage.Repository
	Sessions       kv.Store
	UploadManager  *upload.Manager
	Jobs           *transcode.Orchestrator
	PackageBuilder *offline.Builder
	Stream         *streaming.Service
	Tokens         *streaming.TokenManager
	Access         AccessChecker
	Logger         *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Health reports dependency reachability: the catalog repository and the
// session store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	type check struct {
		Component string `json:"component"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
	}
	checks := make([]check, 0, 2)
	status := "ok"

	if h.Catalog != nil {
		entry := check{Component: "catalog", Status: "ok"}
		if err := h.Catalog.Ping(r.Context()); err != nil {
			entry.Status = "degraded"
			entry.Error = err.Error()
			status = "degraded"
		}
		checks = append(checks, entry)
	}
	if h.Sessions != nil {
		entry := check{Component: "session_store", Status: "ok"}
		if err := h.Sessions.Ping(r.Context()); err != nil {
			entry.Status = "degraded"
			entry.Error = err.Error()
			status = "degraded"
		}
		checks = append(checks, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": checks,
	})
}

// Response shapes. Timestamps are RFC3339Nano strings.

type chunkResponse struct {
	Index      int     `json:"index"`
	Offset     int64   `json:"offset"`
	Size       int64   `json:"size"`
	Uploaded   bool    `json:"uploaded"`
	UploadedAt *string `json:"uploadedAt,omitempty"`
}

type sessionResponse struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"ownerId"`
	VideoID       string            `json:"videoId,omitempty"`
	Filename      string            `json:"filename"`
	TotalSize     int64             `json:"totalSize"`
	ChunkSize     int64             `json:"chunkSize"`
	Status        string            `json:"status"`
	UploadedBytes int64             `json:"uploadedBytes"`
	Chunks        []chunkResponse   `json:"chunks"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"createdAt"`
	ExpiresAt     string            `json:"expiresAt"`
}

func newSessionResponse(session models.UploadSession) sessionResponse {
	chunks := make([]chunkResponse, 0, len(session.Chunks))
	for _, chunk := range session.Chunks {
		entry := chunkResponse{
			Index:    chunk.Index,
			Offset:   chunk.Offset,
			Size:     chunk.Size,
			Uploaded: chunk.Uploaded,
		}
		if chunk.UploadedAt != nil {
			uploaded := chunk.UploadedAt.Format(time.RFC3339Nano)
			entry.UploadedAt = &uploaded
		}
		chunks = append(chunks, entry)
	}
	resp := sessionResponse{
		ID:            session.ID,
		OwnerID:       session.OwnerID,
		VideoID:       session.VideoID,
		Filename:      session.Filename,
		TotalSize:     session.TotalSize,
		ChunkSize:     session.ChunkSize,
		Status:        session.Status,
		UploadedBytes: session.UploadedBytes,
		Chunks:        chunks,
		CreatedAt:     session.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt:     session.ExpiresAt.Format(time.RFC3339Nano),
	}
	if session.Metadata != nil {
		meta := make(map[string]string, len(session.Metadata))
		for k, v := range session.Metadata {
			meta[k] = v
		}
		resp.Metadata = meta
	}
	return resp
}

type variantResponse struct {
	Quality   string `json:"quality"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bitrate   int    `json:"bitrate"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"sizeBytes"`
	CreatedAt string `json:"createdAt"`
}

type videoResponse struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	Title     string            `json:"title"`
	Filename  string            `json:"filename"`
	SizeBytes int64             `json:"sizeBytes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Variants  []variantResponse `json:"variants"`
	CreatedAt string            `json:"createdAt"`
}

func newVideoResponse(video models.Video, variants []models.QualityVariant) videoResponse {
	resp := videoResponse{
		ID:        video.ID,
		OwnerID:   video.OwnerID,
		Title:     video.Title,
		Filename:  video.Filename,
		SizeBytes: video.SizeBytes,
		Variants:  make([]variantResponse, 0, len(variants)),
		CreatedAt: video.CreatedAt.Format(time.RFC3339Nano),
	}
	if video.Metadata != nil {
		meta := make(map[string]string, len(video.Metadata))
		for k, v := range video.Metadata {
			meta[k] = v
		}
		resp.Metadata = meta
	}
	for _, variant := range variants {
		resp.Variants = append(resp.Variants, variantResponse{
			Quality:   variant.Quality,
			Width:     variant.Width,
			Height:    variant.Height,
			Bitrate:   variant.Bitrate,
			Format:    variant.Format,
			SizeBytes: variant.SizeBytes,
			CreatedAt: variant.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return resp
}

type jobFailureResponse struct {
	Profile string `json:"profile"`
	Format  string `json:"format"`
	Reason  string `json:"reason"`
}

type jobResponse struct {
	ID             string               `json:"id"`
	VideoID        string               `json:"videoId"`
	Profiles       []string             `json:"profiles"`
	Formats        []string             `json:"formats"`
	Priority       int                  `json:"priority"`
	Status         string               `json:"status"`
	Progress       int                  `json:"progress"`
	CurrentProfile string               `json:"currentProfile,omitempty"`
	CurrentFormat  string               `json:"currentFormat,omitempty"`
	Failures       []jobFailureResponse `json:"failures,omitempty"`
	Error          string               `json:"error,omitempty"`
	SubmittedAt    string               `json:"submittedAt"`
	StartedAt      *string              `json:"startedAt,omitempty"`
	FinishedAt     *string              `json:"finishedAt,omitempty"`
}

func newJobResponse(job models.TranscodingJob) jobResponse {
	resp := jobResponse{
		ID:             job.ID,
		VideoID:        job.VideoID,
		Profiles:       append([]string{}, job.Profiles...),
		Formats:        append([]string{}, job.Formats...),
		Priority:       job.Priority,
		Status:         job.Status,
		Progress:       job.Progress,
		CurrentProfile: job.CurrentProfile,
		CurrentFormat:  job.CurrentFormat,
		Error:          job.Error,
		SubmittedAt:    job.SubmittedAt.Format(time.RFC3339Nano),
	}
	for _, failure := range job.Failures {
		resp.Failures = append(resp.Failures, jobFailureResponse{
			Profile: failure.Profile,
			Format:  failure.Format,
			Reason:  failure.Reason,
		})
	}
	if job.StartedAt != nil {
		started := job.StartedAt.Format(time.RFC3339Nano)
		resp.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := job.FinishedAt.Format(time.RFC3339Nano)
		resp.FinishedAt = &finished
	}
	return resp
}

type packageResponse struct {
	ID               string  `json:"id"`
	OwnerID          string  `json:"ownerId"`
	VideoID          string  `json:"videoId"`
	Quality          string  `json:"quality"`
	Format           string  `json:"format"`
	IncludeSubtitles bool    `json:"includeSubtitles"`
	IncludeChapters  bool    `json:"includeChapters"`
	IncludeNotes     bool    `json:"includeNotes"`
	Status           string  `json:"status"`
	SizeBytes        int64   `json:"sizeBytes"`
	DownloadCount    int     `json:"downloadCount"`
	MaxDownloads     int     `json:"maxDownloads"`
	Error            string  `json:"error,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	ExpiresAt        string  `json:"expiresAt"`
	CompletedAt      *string `json:"completedAt,omitempty"`
}

func newPackageResponse(pkg models.OfflinePackage) packageResponse {
	resp := packageResponse{
		ID:               pkg.ID,
		OwnerID:          pkg.OwnerID,
		VideoID:          pkg.VideoID,
		Quality:          pkg.Quality,
		Format:           pkg.Format,
		IncludeSubtitles: pkg.IncludeSubtitles,
		IncludeChapters:  pkg.IncludeChapters,
		IncludeNotes:     pkg.IncludeNotes,
		Status:           pkg.Status,
		SizeBytes:        pkg.SizeBytes,
		DownloadCount:    pkg.DownloadCount,
		MaxDownloads:     pkg.MaxDownloads,
		Error:            pkg.Error,
		CreatedAt:        pkg.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt:        pkg.ExpiresAt.Format(time.RFC3339Nano),
	}
	if pkg.CompletedAt != nil {
		completed := pkg.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

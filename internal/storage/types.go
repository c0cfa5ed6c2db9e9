package storage

import (
	"time"

	"coursecast/internal/models"
)

// CreateVideoParams registers a source asset produced by a finalized upload.
type CreateVideoParams struct {
	OwnerID   string
	Title     string
	Filename  string
	SizeBytes int64
	SourceKey string
	Metadata  map[string]string
}

// VideoUpdate mutates the mutable subset of a catalog entry. Nil fields are
// left untouched.
type VideoUpdate struct {
	Title     *string
	SourceKey *string
	SizeBytes *int64
	Metadata  map[string]string
}

// RegisterVariantParams records a finished transcoding artifact. Registering
// the same (video, quality, format) again replaces the previous artifact.
type RegisterVariantParams struct {
	VideoID    string
	Quality    string
	Width      int
	Height     int
	Bitrate    int
	Format     string
	StorageKey string
	SizeBytes  int64
}

// CreateJobParams enqueues a transcoding job for a registered video.
type CreateJobParams struct {
	VideoID  string
	InputKey string
	Profiles []string
	Formats  []string
	Priority int
}

// JobUpdate applies partial state to a transcoding job. AppendFailure adds a
// single pair failure without replacing the accumulated list.
type JobUpdate struct {
	Status         *string
	Progress       *int
	CurrentProfile *string
	CurrentFormat  *string
	AppendFailure  *models.PairFailure
	Error          *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// CreatePackageParams requests an offline bundle build.
type CreatePackageParams struct {
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

// PackageUpdate applies partial state to an offline package.
type PackageUpdate struct {
	Status      *string
	StorageKey  *string
	SizeBytes   *int64
	Error       *string
	ExpiresAt   *time.Time
	CompletedAt *time.Time
}

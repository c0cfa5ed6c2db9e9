// Package models holds the shared data types for the coursecast video core.
package models

import "time"

// Upload session lifecycle states. A session never leaves HandedOff,
// Cancelled, or Expired.
const (
	SessionCreated   = "created"
	SessionActive    = "active"
	SessionComplete  = "complete"
	SessionHandedOff = "handed_off"
	SessionCancelled = "cancelled"
	SessionExpired   = "expired"
)

// Chunk is a fixed-range slice of an upload, tracked independently so clients
// can resume after partial failures. It is owned exclusively by its session.
type Chunk struct {
	Index      int        `json:"index"`
	Offset     int64      `json:"offset"`
	Size       int64      `json:"size"`
	Uploaded   bool       `json:"uploaded"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
	Checksum   string     `json:"checksum,omitempty"`
}

// UploadSession tracks one in-progress resumable ingestion.
type UploadSession struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"ownerId"`
	VideoID       string            `json:"videoId"`
	Filename      string            `json:"filename"`
	TotalSize     int64             `json:"totalSize"`
	ChunkSize     int64             `json:"chunkSize"`
	Chunks        []Chunk           `json:"chunks"`
	Status        string            `json:"status"`
	UploadedBytes int64             `json:"uploadedBytes"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// UploadedChunks counts the chunks currently marked uploaded.
func (s UploadSession) UploadedChunks() int {
	count := 0
	for _, chunk := range s.Chunks {
		if chunk.Uploaded {
			count++
		}
	}
	return count
}

// Terminal reports whether the session can no longer accept transitions.
func (s UploadSession) Terminal() bool {
	switch s.Status {
	case SessionHandedOff, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// Video is the catalog entry a finished upload produces. Variants attach to
// it as transcoding completes.
type Video struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	Title     string            `json:"title"`
	Filename  string            `json:"filename"`
	SizeBytes int64             `json:"sizeBytes"`
	SourceKey string            `json:"sourceKey"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// QualityVariant is a finished transcoding artifact, immutable once created.
type QualityVariant struct {
	VideoID    string    `json:"videoId"`
	Quality    string    `json:"quality"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Bitrate    int       `json:"bitrate"`
	Format     string    `json:"format"`
	StorageKey string    `json:"storageKey"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Transcoding job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobPartial   = "partial"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// PairFailure records one failed (profile x format) conversion inside a job.
type PairFailure struct {
	Profile string `json:"profile"`
	Format  string `json:"format"`
	Reason  string `json:"reason"`
}

// TranscodingJob converts one source video into a set of variants.
type TranscodingJob struct {
	ID             string        `json:"id"`
	VideoID        string        `json:"videoId"`
	InputKey       string        `json:"inputKey"`
	Profiles       []string      `json:"profiles"`
	Formats        []string      `json:"formats"`
	Priority       int           `json:"priority"`
	Status         string        `json:"status"`
	Progress       int           `json:"progress"`
	CurrentProfile string        `json:"currentProfile,omitempty"`
	CurrentFormat  string        `json:"currentFormat,omitempty"`
	Failures       []PairFailure `json:"failures,omitempty"`
	Error          string        `json:"error,omitempty"`
	SubmittedAt    time.Time     `json:"submittedAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	FinishedAt     *time.Time    `json:"finishedAt,omitempty"`
}

// TerminalJob reports whether the job reached a final state.
func (j TranscodingJob) TerminalJob() bool {
	switch j.Status {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StreamingToken grants time-boxed access to one video. The opaque value is
// handed to the client; only its hash is persisted.
type StreamingToken struct {
	VideoID     string    `json:"videoId"`
	SubjectID   string    `json:"subjectId"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Offline package states.
const (
	PackagePending  = "pending"
	PackageBuilding = "building"
	PackageReady    = "ready"
	PackageFailed   = "failed"
)

// OfflinePackage bundles a variant plus supplementary assets for bounded
// offline download.
type OfflinePackage struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId"`
	VideoID          string     `json:"videoId"`
	Quality          string     `json:"quality"`
	Format           string     `json:"format"`
	IncludeSubtitles bool       `json:"includeSubtitles"`
	IncludeChapters  bool       `json:"includeChapters"`
	IncludeNotes     bool       `json:"includeNotes"`
	Status           string     `json:"status"`
	StorageKey       string     `json:"storageKey,omitempty"`
	SizeBytes        int64      `json:"sizeBytes"`
	DownloadCount    int        `json:"downloadCount"`
	MaxDownloads     int        `json:"maxDownloads"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

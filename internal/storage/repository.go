package storage

import (
	"context"
	"errors"

	"coursecast/internal/models"
)

// ErrNotFound is returned when the addressed catalog record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ErrDownloadsExhausted is returned when a package has already served its
// configured number of downloads.
var ErrDownloadsExhausted = errors.New("storage: download limit reached")

// Repository exposes the catalog operations required by the upload pipeline,
// the transcoding orchestrator, streaming access, and offline packaging.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos(ownerID string) []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(id string) error

	RegisterVariant(params RegisterVariantParams) (models.QualityVariant, error)
	GetVariant(videoID, quality, format string) (models.QualityVariant, bool)
	ListVariants(videoID string) []models.QualityVariant
	DeleteVariants(videoID string) error

	CreateJob(params CreateJobParams) (models.TranscodingJob, error)
	GetJob(id string) (models.TranscodingJob, bool)
	ListJobs(videoID string) []models.TranscodingJob
	UpdateJob(id string, update JobUpdate) (models.TranscodingJob, error)

	CreatePackage(params CreatePackageParams) (models.OfflinePackage, error)
	GetPackage(id string) (models.OfflinePackage, bool)
	ListPackages(ownerID, videoID string) []models.OfflinePackage
	UpdatePackage(id string, update PackageUpdate) (models.OfflinePackage, error)
	DeletePackage(id string) error
	// ClaimPackageDownload performs the post-increment admission check for a
	// bounded download and returns the package as it stood after the claim.
	// The increment and the limit comparison happen under one lock so two
	// racing requests cannot both consume the final slot.
	ClaimPackageDownload(id string) (models.OfflinePackage, error)
}

var _ Repository = (*Storage)(nil)

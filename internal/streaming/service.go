package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"coursecast/internal/blob"
	"coursecast/internal/errdefs"
	"coursecast/internal/models"
	"coursecast/internal/storage"
	"coursecast/internal/transcode"
)

// Service resolves playback requests to catalog entries and blob objects.
// Token checks happen in the HTTP layer; the service trusts its callers.
type Service struct {
	catalog storage.Repository
	blobs   blob.Store
	logger  *slog.Logger
}

func NewService(catalog storage.Repository, blobs blob.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{catalog: catalog, blobs: blobs, logger: logger}
}

// Master renders the HLS master playlist for a video. basePath is the URL
// prefix media playlists are addressed under.
func (s *Service) Master(ctx context.Context, videoID, basePath string) (string, error) {
	if _, ok := s.catalog.GetVideo(videoID); !ok {
		return "", errdefs.New(errdefs.KindNotFound, "video %s not found", videoID)
	}
	variants := s.catalog.ListVariants(videoID)
	if !HasStreamableVariant(variants) {
		return "", errdefs.New(errdefs.KindNotFound, "video %s has no streamable variants", videoID)
	}
	return MasterPlaylist(variants, basePath), nil
}

// MediaPlaylist opens the per-quality HLS playlist.
func (s *Service) MediaPlaylist(ctx context.Context, videoID, quality string) (io.ReadSeekCloser, blob.Info, error) {
	variant, err := s.hlsVariant(videoID, quality)
	if err != nil {
		return nil, blob.Info{}, err
	}
	return s.open(ctx, variant.StorageKey)
}

// Segment opens one media segment below the variant's playlist directory.
// Segment names must be bare filenames; anything with a path separator is
// rejected before touching storage.
func (s *Service) Segment(ctx context.Context, videoID, quality, name string) (io.ReadSeekCloser, blob.Info, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, blob.Info{}, errdefs.New(errdefs.KindValidation, "invalid segment name %q", name)
	}
	variant, err := s.hlsVariant(videoID, quality)
	if err != nil {
		return nil, blob.Info{}, err
	}
	dir := variant.StorageKey[:strings.LastIndex(variant.StorageKey, "/")]
	return s.open(ctx, dir+"/"+name)
}

// File opens a progressive (non-HLS) rendition for byte-range serving.
func (s *Service) File(ctx context.Context, videoID, quality, format string) (io.ReadSeekCloser, blob.Info, error) {
	variant, ok := s.catalog.GetVariant(videoID, quality, format)
	if !ok {
		return nil, blob.Info{}, errdefs.New(errdefs.KindNotFound, "variant %s/%s not available for video %s", quality, format, videoID)
	}
	return s.open(ctx, variant.StorageKey)
}

func (s *Service) hlsVariant(videoID, quality string) (models.QualityVariant, error) {
	variant, ok := s.catalog.GetVariant(videoID, quality, transcode.FormatHLS)
	if !ok {
		return models.QualityVariant{}, errdefs.New(errdefs.KindNotFound, "quality %s not available for video %s", quality, videoID)
	}
	return variant, nil
}

func (s *Service) open(ctx context.Context, key string) (io.ReadSeekCloser, blob.Info, error) {
	reader, info, err := s.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, blob.Info{}, errdefs.New(errdefs.KindNotFound, "object %s not found", key)
		}
		return nil, blob.Info{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "open %s", key)
	}
	return reader, info, nil
}

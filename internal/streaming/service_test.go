package streaming

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"coursecast/internal/blob"
	"coursecast/internal/errdefs"
	"coursecast/internal/models"
	"coursecast/internal/storage"
)

func newServiceFixture(t *testing.T) (*Service, storage.Repository, blob.Store) {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	catalog, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "catalog.json"))
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() { catalog.Close(context.Background()) })
	return NewService(catalog, blobs, nil), catalog, blobs
}

func seedVariant(t *testing.T, catalog storage.Repository, blobs blob.Store, video models.Video, quality, format, payload string) models.QualityVariant {
	t.Helper()
	ctx := context.Background()
	var key string
	if format == "hls" {
		key = "videos/" + video.ID + "/" + quality + "/hls/index.m3u8"
	} else {
		key = "videos/" + video.ID + "/" + quality + "/mp4/" + quality + ".mp4"
	}
	if _, err := blobs.Put(ctx, key, strings.NewReader(payload)); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	variant, err := catalog.RegisterVariant(storage.RegisterVariantParams{
		VideoID:    video.ID,
		Quality:    quality,
		Width:      1280,
		Height:     720,
		Bitrate:    2800,
		Format:     format,
		StorageKey: key,
		SizeBytes:  int64(len(payload)),
	})
	if err != nil {
		t.Fatalf("register variant: %v", err)
	}
	return variant
}

func TestMasterRequiresStreamableVariant(t *testing.T) {
	service, catalog, blobs := newServiceFixture(t)
	ctx := context.Background()

	if _, err := service.Master(ctx, "missing", "/base"); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Fatalf("expected not found for unknown video, got %v", err)
	}

	video, err := catalog.CreateVideo(storage.CreateVideoParams{OwnerID: "o", Filename: "a.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if _, err := service.Master(ctx, video.ID, "/base"); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Fatalf("expected not found with no variants, got %v", err)
	}

	seedVariant(t, catalog, blobs, video, "720p", "hls", "#EXTM3U\n")
	playlist, err := service.Master(ctx, video.ID, "/videos/"+video.ID+"/stream")
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	if !strings.Contains(playlist, "720p/index.m3u8") {
		t.Fatalf("playlist missing media URI:\n%s", playlist)
	}
}

func TestMediaPlaylistAndSegment(t *testing.T) {
	service, catalog, blobs := newServiceFixture(t)
	ctx := context.Background()

	video, err := catalog.CreateVideo(storage.CreateVideoParams{OwnerID: "o", Filename: "a.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	seedVariant(t, catalog, blobs, video, "720p", "hls", "#EXTM3U\nsegment_000.ts\n")
	segKey := "videos/" + video.ID + "/720p/hls/segment_000.ts"
	if _, err := blobs.Put(ctx, segKey, strings.NewReader("segment-bytes")); err != nil {
		t.Fatalf("seed segment: %v", err)
	}

	reader, _, err := service.MediaPlaylist(ctx, video.ID, "720p")
	if err != nil {
		t.Fatalf("media playlist: %v", err)
	}
	body, _ := io.ReadAll(reader)
	reader.Close()
	if !strings.Contains(string(body), "segment_000.ts") {
		t.Fatalf("unexpected playlist body %q", body)
	}

	segment, info, err := service.Segment(ctx, video.ID, "720p", "segment_000.ts")
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	defer segment.Close()
	if info.Size != int64(len("segment-bytes")) {
		t.Fatalf("segment size = %d", info.Size)
	}

	if _, _, err := service.Segment(ctx, video.ID, "720p", "../escape.ts"); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected validation for traversal, got %v", err)
	}
	if _, _, err := service.Segment(ctx, video.ID, "1080p", "segment_000.ts"); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Fatalf("expected not found for missing quality, got %v", err)
	}
}

func TestFileOpensProgressiveRendition(t *testing.T) {
	service, catalog, blobs := newServiceFixture(t)
	ctx := context.Background()

	video, err := catalog.CreateVideo(storage.CreateVideoParams{OwnerID: "o", Filename: "a.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	seedVariant(t, catalog, blobs, video, "480p", "mp4", strings.Repeat("x", 1000))

	reader, info, err := service.File(ctx, video.ID, "480p", "mp4")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	defer reader.Close()
	if info.Size != 1000 {
		t.Fatalf("size = %d", info.Size)
	}

	// Seek into the middle to confirm byte-range serving can address it.
	if _, err := reader.Seek(100, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	window := make([]byte, 100)
	if _, err := io.ReadFull(reader, window); err != nil {
		t.Fatalf("read window: %v", err)
	}

	if _, _, err := service.File(ctx, video.ID, "480p", "hls"); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Fatalf("expected not found for absent format, got %v", err)
	}
}

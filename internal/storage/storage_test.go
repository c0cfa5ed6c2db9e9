package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coursecast/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "catalog.json"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return store
}

func createTestVideo(t *testing.T, store *Storage) models.Video {
	t.Helper()
	video, err := store.CreateVideo(CreateVideoParams{
		OwnerID:   "user-1",
		Title:     "Intro to Rivers",
		Filename:  "intro.mp4",
		SizeBytes: 1 << 20,
		SourceKey: "videos/src/intro.mp4",
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return video
}

func TestCreateVideoDefaultsTitleToFilename(t *testing.T) {
	store := newTestStorage(t)
	video, err := store.CreateVideo(CreateVideoParams{OwnerID: "user-1", Filename: "lesson.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if video.Title != "lesson.mp4" {
		t.Fatalf("expected filename fallback, got %q", video.Title)
	}
	if video.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestCreateVideoRequiresOwnerAndFilename(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.CreateVideo(CreateVideoParams{Filename: "a.mp4"}); err == nil {
		t.Fatal("expected error without owner")
	}
	if _, err := store.CreateVideo(CreateVideoParams{OwnerID: "user-1"}); err == nil {
		t.Fatal("expected error without filename")
	}
}

func TestStorageReloadsPersistedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	video := createTestVideo(t, store)
	if _, err := store.RegisterVariant(RegisterVariantParams{
		VideoID: video.ID, Quality: "720p", Format: "hls",
		Width: 1280, Height: 720, Bitrate: 2800,
		StorageKey: "videos/" + video.ID + "/720p/hls/index.m3u8",
	}); err != nil {
		t.Fatalf("register variant: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reload storage: %v", err)
	}
	got, ok := reloaded.GetVideo(video.ID)
	if !ok {
		t.Fatal("video missing after reload")
	}
	if got.Filename != video.Filename {
		t.Fatalf("unexpected filename %q", got.Filename)
	}
	variants := reloaded.ListVariants(video.ID)
	if len(variants) != 1 || variants[0].Quality != "720p" {
		t.Fatalf("unexpected variants %v", variants)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	title := "Renamed"
	if _, err := store.UpdateVideo(video.ID, VideoUpdate{Title: &title}); err == nil {
		t.Fatal("expected persist failure")
	}
	store.persistOverride = nil

	got, ok := store.GetVideo(video.ID)
	if !ok {
		t.Fatal("video missing")
	}
	if got.Title != video.Title {
		t.Fatalf("expected rollback to %q, got %q", video.Title, got.Title)
	}
}

func TestRegisterVariantReplacesSamePair(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)

	first, err := store.RegisterVariant(RegisterVariantParams{
		VideoID: video.ID, Quality: "480p", Format: "hls", Bitrate: 1400,
		StorageKey: "videos/" + video.ID + "/480p/hls/index.m3u8", SizeBytes: 100,
	})
	if err != nil {
		t.Fatalf("register variant: %v", err)
	}
	second, err := store.RegisterVariant(RegisterVariantParams{
		VideoID: video.ID, Quality: "480p", Format: "hls", Bitrate: 1400,
		StorageKey: first.StorageKey, SizeBytes: 250,
	})
	if err != nil {
		t.Fatalf("re-register variant: %v", err)
	}
	if second.SizeBytes != 250 {
		t.Fatalf("expected replacement, got %+v", second)
	}
	if got := store.ListVariants(video.ID); len(got) != 1 {
		t.Fatalf("expected single variant, got %d", len(got))
	}
}

func TestListVariantsOrdersByBitrate(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)
	for _, variant := range []struct {
		quality string
		bitrate int
	}{
		{"1080p", 5000},
		{"144p", 200},
		{"720p", 2800},
	} {
		if _, err := store.RegisterVariant(RegisterVariantParams{
			VideoID: video.ID, Quality: variant.quality, Format: "hls", Bitrate: variant.bitrate,
		}); err != nil {
			t.Fatalf("register %s: %v", variant.quality, err)
		}
	}
	variants := store.ListVariants(video.ID)
	if len(variants) != 3 {
		t.Fatalf("expected 3 variants, got %d", len(variants))
	}
	if variants[0].Quality != "144p" || variants[2].Quality != "1080p" {
		t.Fatalf("unexpected ladder order %v", variants)
	}
}

func TestRegisterVariantUnknownVideo(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.RegisterVariant(RegisterVariantParams{
		VideoID: "missing", Quality: "720p", Format: "hls",
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobLifecycleUpdates(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)

	job, err := store.CreateJob(CreateJobParams{
		VideoID:  video.ID,
		InputKey: video.SourceKey,
		Profiles: []string{"480p", "720p"},
		Formats:  []string{"hls"},
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != models.JobQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	running := models.JobRunning
	started := time.Now().UTC()
	profile := "480p"
	job, err = store.UpdateJob(job.ID, JobUpdate{
		Status: &running, StartedAt: &started, CurrentProfile: &profile,
	})
	if err != nil {
		t.Fatalf("update job: %v", err)
	}
	if job.Status != models.JobRunning || job.StartedAt == nil || job.CurrentProfile != "480p" {
		t.Fatalf("unexpected job state %+v", job)
	}

	failure := models.PairFailure{Profile: "720p", Format: "hls", Reason: "encoder crashed"}
	partial := models.JobPartial
	finished := started.Add(time.Minute)
	job, err = store.UpdateJob(job.ID, JobUpdate{
		Status: &partial, AppendFailure: &failure, FinishedAt: &finished,
	})
	if err != nil {
		t.Fatalf("finish job: %v", err)
	}
	if len(job.Failures) != 1 || job.Failures[0].Profile != "720p" {
		t.Fatalf("expected recorded failure, got %+v", job.Failures)
	}
	if !job.TerminalJob() {
		t.Fatal("partial job should be terminal")
	}
}

func TestDeleteVideoCascades(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)
	if _, err := store.RegisterVariant(RegisterVariantParams{
		VideoID: video.ID, Quality: "720p", Format: "hls",
	}); err != nil {
		t.Fatalf("register variant: %v", err)
	}
	if _, err := store.CreateJob(CreateJobParams{
		VideoID: video.ID, Profiles: []string{"720p"}, Formats: []string{"hls"},
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	pkg, err := store.CreatePackage(CreatePackageParams{
		OwnerID: "user-1", VideoID: video.ID, Quality: "720p", Format: "hls", TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}

	if err := store.DeleteVideo(video.ID); err != nil {
		t.Fatalf("delete video: %v", err)
	}
	if got := store.ListVariants(video.ID); len(got) != 0 {
		t.Fatalf("variants survived delete: %v", got)
	}
	if got := store.ListJobs(video.ID); len(got) != 0 {
		t.Fatalf("jobs survived delete: %v", got)
	}
	if _, ok := store.GetPackage(pkg.ID); ok {
		t.Fatal("package survived delete")
	}
}

func TestClaimPackageDownloadEnforcesLimit(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)
	pkg, err := store.CreatePackage(CreatePackageParams{
		OwnerID: "user-1", VideoID: video.ID, Quality: "720p", Format: "hls",
		MaxDownloads: 2, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}

	for i := 1; i <= 2; i++ {
		claimed, err := store.ClaimPackageDownload(pkg.ID)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed.DownloadCount != i {
			t.Fatalf("expected count %d, got %d", i, claimed.DownloadCount)
		}
	}
	if _, err := store.ClaimPackageDownload(pkg.ID); !errors.Is(err, ErrDownloadsExhausted) {
		t.Fatalf("expected ErrDownloadsExhausted, got %v", err)
	}
}

func TestClaimPackageDownloadConcurrent(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)
	pkg, err := store.CreatePackage(CreatePackageParams{
		OwnerID: "user-1", VideoID: video.ID, Quality: "720p", Format: "hls",
		MaxDownloads: 3, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimPackageDownload(pkg.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for err := range results {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, ErrDownloadsExhausted):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if granted != 3 {
		t.Fatalf("expected exactly 3 granted downloads, got %d", granted)
	}
	final, _ := store.GetPackage(pkg.ID)
	if final.DownloadCount != 3 {
		t.Fatalf("expected final count 3, got %d", final.DownloadCount)
	}
}

func TestUnlimitedPackageDownloads(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)
	pkg, err := store.CreatePackage(CreatePackageParams{
		OwnerID: "user-1", VideoID: video.ID, Quality: "720p", Format: "hls", TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.ClaimPackageDownload(pkg.ID); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}
}

func TestListPackagesFilters(t *testing.T) {
	store := newTestStorage(t)
	video := createTestVideo(t, store)
	other, err := store.CreateVideo(CreateVideoParams{OwnerID: "user-2", Filename: "other.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	for i, target := range []struct {
		owner string
		video string
	}{
		{"user-1", video.ID},
		{"user-1", video.ID},
		{"user-2", other.ID},
	} {
		if _, err := store.CreatePackage(CreatePackageParams{
			OwnerID: target.owner, VideoID: target.video,
			Quality: "720p", Format: fmt.Sprintf("hls-%d", i), TTL: time.Hour,
		}); err != nil {
			t.Fatalf("create package %d: %v", i, err)
		}
	}
	if got := store.ListPackages("user-1", ""); len(got) != 2 {
		t.Fatalf("expected 2 packages for user-1, got %d", len(got))
	}
	if got := store.ListPackages("", other.ID); len(got) != 1 {
		t.Fatalf("expected 1 package for video, got %d", len(got))
	}
	if got := store.ListPackages("", ""); len(got) != 3 {
		t.Fatalf("expected 3 packages total, got %d", len(got))
	}
}

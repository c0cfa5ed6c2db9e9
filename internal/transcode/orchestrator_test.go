package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coursecast/internal/errdefs"
	"coursecast/internal/models"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/storage"
)

type fakeConverter struct {
	mu        sync.Mutex
	active    int
	maxActive int
	order     []string
	block     chan struct{}
	fail      func(req ConvertRequest) error
}

func (f *fakeConverter) Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.order = append(f.order, req.VideoID+"/"+req.Profile.Name+"/"+req.Format)
	block := f.block
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ConvertResult{}, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return ConvertResult{}, err
		}
	}
	return ConvertResult{
		StorageKey: fmt.Sprintf("videos/%s/%s/%s/index.m3u8", req.VideoID, req.Profile.Name, req.Format),
		SizeBytes:  1024,
	}, nil
}

func (f *fakeConverter) snapshotOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTestCatalog(t *testing.T) *storage.Storage {
	t.Helper()
	catalog, err := storage.NewStorage(filepath.Join(t.TempDir(), "catalog.json"))
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return catalog
}

func createTestVideo(t *testing.T, catalog *storage.Storage, name string) models.Video {
	t.Helper()
	video, err := catalog.CreateVideo(storage.CreateVideoParams{
		OwnerID:   "user-1",
		Filename:  name + ".mp4",
		SourceKey: "videos/" + name + "/source/" + name + ".mp4",
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return video
}

func newTestOrchestrator(t *testing.T, catalog *storage.Storage, converter Converter, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := NewOrchestrator(catalog, converter, cfg)
	o.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return o
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForTerminal(t *testing.T, catalog *storage.Storage, jobID string) models.TranscodingJob {
	t.Helper()
	var job models.TranscodingJob
	waitFor(t, 5*time.Second, func() bool {
		current, ok := catalog.GetJob(jobID)
		if !ok {
			return false
		}
		job = current
		return current.TerminalJob()
	})
	return job
}

func TestJobCompletesAndRegistersVariants(t *testing.T) {
	catalog := newTestCatalog(t)
	video := createTestVideo(t, catalog, "vid-a")
	converter := &fakeConverter{}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1})

	job, err := o.Submit(context.Background(), SubmitParams{
		VideoID:  video.ID,
		Profiles: []string{"480p", "720p"},
		Formats:  []string{FormatHLS},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, catalog, job.ID)
	if final.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Fatal("expected start and finish timestamps")
	}
	if final.CurrentProfile != "" || final.CurrentFormat != "" {
		t.Fatalf("active pair should be cleared, got %s/%s", final.CurrentProfile, final.CurrentFormat)
	}

	variants := catalog.ListVariants(video.ID)
	if len(variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(variants))
	}
	if variants[0].Quality != "480p" || variants[0].Width != 854 || variants[0].Bitrate != 1400 {
		t.Fatalf("unexpected first variant %+v", variants[0])
	}
	if variants[1].Quality != "720p" || variants[1].Height != 720 {
		t.Fatalf("unexpected second variant %+v", variants[1])
	}
}

func TestPartialFailureKeepsSuccessfulVariants(t *testing.T) {
	catalog := newTestCatalog(t)
	video := createTestVideo(t, catalog, "vid-b")
	converter := &fakeConverter{
		fail: func(req ConvertRequest) error {
			if req.Profile.Name == "1080p" {
				return errors.New("encoder crashed")
			}
			return nil
		},
	}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1})

	job, err := o.Submit(context.Background(), SubmitParams{
		VideoID:  video.ID,
		Profiles: []string{"480p", "1080p"},
		Formats:  []string{FormatHLS},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, catalog, job.ID)
	if final.Status != models.JobPartial {
		t.Fatalf("expected partial, got %s", final.Status)
	}
	if len(final.Failures) != 1 {
		t.Fatalf("expected 1 recorded failure, got %+v", final.Failures)
	}
	failure := final.Failures[0]
	if failure.Profile != "1080p" || failure.Format != FormatHLS || failure.Reason != "encoder crashed" {
		t.Fatalf("unexpected failure detail %+v", failure)
	}

	variants := catalog.ListVariants(video.ID)
	if len(variants) != 1 || variants[0].Quality != "480p" {
		t.Fatalf("successful variant should survive, got %+v", variants)
	}
}

func TestAllPairsFailed(t *testing.T) {
	catalog := newTestCatalog(t)
	video := createTestVideo(t, catalog, "vid-c")
	converter := &fakeConverter{
		fail: func(ConvertRequest) error { return errors.New("no codec") },
	}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1})

	job, err := o.Submit(context.Background(), SubmitParams{
		VideoID:  video.ID,
		Profiles: []string{"480p"},
		Formats:  []string{FormatHLS, FormatMP4},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitForTerminal(t, catalog, job.ID)
	if final.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error == "" {
		t.Fatal("expected failure summary")
	}
	if len(final.Failures) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(final.Failures))
	}
}

func TestConcurrencyCap(t *testing.T) {
	catalog := newTestCatalog(t)
	converter := &fakeConverter{block: make(chan struct{})}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 2})

	var jobs []models.TranscodingJob
	for i := 0; i < 5; i++ {
		video := createTestVideo(t, catalog, fmt.Sprintf("vid-cap-%d", i))
		job, err := o.Submit(context.Background(), SubmitParams{
			VideoID:  video.ID,
			Profiles: []string{"480p"},
			Formats:  []string{FormatHLS},
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		jobs = append(jobs, job)
	}

	waitFor(t, 5*time.Second, func() bool {
		converter.mu.Lock()
		defer converter.mu.Unlock()
		return converter.active == 2
	})
	close(converter.block)

	for _, job := range jobs {
		final := waitForTerminal(t, catalog, job.ID)
		if final.Status != models.JobCompleted {
			t.Fatalf("job %s: expected completed, got %s", job.ID, final.Status)
		}
	}
	converter.mu.Lock()
	maxActive := converter.maxActive
	converter.mu.Unlock()
	if maxActive > 2 {
		t.Fatalf("concurrency cap violated: %d simultaneous conversions", maxActive)
	}
}

func TestPriorityOrdering(t *testing.T) {
	catalog := newTestCatalog(t)
	converter := &fakeConverter{block: make(chan struct{})}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1})
	ctx := context.Background()

	first := createTestVideo(t, catalog, "vid-first")
	low := createTestVideo(t, catalog, "vid-low")
	high := createTestVideo(t, catalog, "vid-high")

	if _, err := o.Submit(ctx, SubmitParams{VideoID: first.ID, Profiles: []string{"480p"}, Formats: []string{FormatHLS}}); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	// Wait until the only worker slot is occupied so both remaining jobs
	// queue up before the next dispatch decision.
	waitFor(t, 5*time.Second, func() bool {
		converter.mu.Lock()
		defer converter.mu.Unlock()
		return converter.active == 1
	})

	lowJob, err := o.Submit(ctx, SubmitParams{VideoID: low.ID, Priority: 1, Profiles: []string{"480p"}, Formats: []string{FormatHLS}})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	highJob, err := o.Submit(ctx, SubmitParams{VideoID: high.ID, Priority: 10, Profiles: []string{"480p"}, Formats: []string{FormatHLS}})
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}
	close(converter.block)

	waitForTerminal(t, catalog, lowJob.ID)
	waitForTerminal(t, catalog, highJob.ID)

	order := converter.snapshotOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 conversions, got %v", order)
	}
	if order[1] != high.ID+"/480p/hls" || order[2] != low.ID+"/480p/hls" {
		t.Fatalf("priority not honored: %v", order)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	catalog := newTestCatalog(t)
	converter := &fakeConverter{block: make(chan struct{})}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1})
	ctx := context.Background()

	busy := createTestVideo(t, catalog, "vid-busy")
	if _, err := o.Submit(ctx, SubmitParams{VideoID: busy.ID, Profiles: []string{"480p"}, Formats: []string{FormatHLS}}); err != nil {
		t.Fatalf("submit busy: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		converter.mu.Lock()
		defer converter.mu.Unlock()
		return converter.active == 1
	})

	queued := createTestVideo(t, catalog, "vid-queued")
	queuedJob, err := o.Submit(ctx, SubmitParams{VideoID: queued.ID, Profiles: []string{"480p"}, Formats: []string{FormatHLS}})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	cancelled, err := o.Cancel(queuedJob.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	close(converter.block)

	// The cancelled job never reaches the converter.
	waitForTerminal(t, catalog, queuedJob.ID)
	for _, call := range converter.snapshotOrder() {
		if call == queued.ID+"/480p/hls" {
			t.Fatal("cancelled job was converted")
		}
	}

	// Cancelling a settled job is rejected.
	if _, err := o.Cancel(queuedJob.ID); !errdefs.IsKind(err, errdefs.KindInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	catalog := newTestCatalog(t)
	converter := &fakeConverter{block: make(chan struct{})}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1})
	ctx := context.Background()

	video := createTestVideo(t, catalog, "vid-running")
	job, err := o.Submit(ctx, SubmitParams{VideoID: video.ID, Profiles: []string{"480p"}, Formats: []string{FormatHLS}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		converter.mu.Lock()
		defer converter.mu.Unlock()
		return converter.active == 1
	})

	if _, err := o.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final := waitForTerminal(t, catalog, job.ID)
	if final.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestJobMetricsFollowLifecycle(t *testing.T) {
	catalog := newTestCatalog(t)
	recorder := metrics.New()
	converter := &fakeConverter{block: make(chan struct{})}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1, Metrics: recorder})

	video := createTestVideo(t, catalog, "vid-metrics")
	job, err := o.Submit(context.Background(), SubmitParams{
		VideoID:  video.ID,
		Profiles: []string{"480p"},
		Formats:  []string{FormatHLS},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return recorder.ActiveTranscodes() == 1 })
	close(converter.block)

	final := waitForTerminal(t, catalog, job.ID)
	if final.Status != models.JobCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	waitFor(t, 5*time.Second, func() bool { return recorder.ActiveTranscodes() == 0 })
	if counts := recorder.JobCounts(); counts[models.JobCompleted] != 1 {
		t.Fatalf("expected one completed job counted, got %v", counts)
	}
}

func TestCancelQueuedJobLeavesGaugeUntouched(t *testing.T) {
	catalog := newTestCatalog(t)
	recorder := metrics.New()
	converter := &fakeConverter{block: make(chan struct{})}
	o := newTestOrchestrator(t, catalog, converter, Config{Workers: 1, Metrics: recorder})
	ctx := context.Background()

	busy := createTestVideo(t, catalog, "vid-gauge-busy")
	busyJob, err := o.Submit(ctx, SubmitParams{VideoID: busy.ID, Profiles: []string{"480p"}, Formats: []string{FormatHLS}})
	if err != nil {
		t.Fatalf("submit busy: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return recorder.ActiveTranscodes() == 1 })

	queued := createTestVideo(t, catalog, "vid-gauge-queued")
	queuedJob, err := o.Submit(ctx, SubmitParams{VideoID: queued.ID, Profiles: []string{"480p"}, Formats: []string{FormatHLS}})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if _, err := o.Cancel(queuedJob.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// The queued job never started, so only the running one holds the gauge.
	if active := recorder.ActiveTranscodes(); active != 1 {
		t.Fatalf("expected 1 active transcode, got %d", active)
	}

	close(converter.block)
	waitForTerminal(t, catalog, busyJob.ID)
	waitFor(t, 5*time.Second, func() bool { return recorder.ActiveTranscodes() == 0 })
	if counts := recorder.JobCounts(); counts[models.JobCompleted] != 1 {
		t.Fatalf("expected one completed job counted, got %v", counts)
	}
}

func TestSubmitValidation(t *testing.T) {
	catalog := newTestCatalog(t)
	video := createTestVideo(t, catalog, "vid-v")
	o := newTestOrchestrator(t, catalog, &fakeConverter{}, Config{Workers: 1})
	ctx := context.Background()

	if _, err := o.Submit(ctx, SubmitParams{VideoID: "missing"}); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := o.Submit(ctx, SubmitParams{VideoID: video.ID, Profiles: []string{"4k"}}); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected Validation for profile, got %v", err)
	}
	if _, err := o.Submit(ctx, SubmitParams{VideoID: video.ID, Formats: []string{"webm"}}); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Fatalf("expected Validation for format, got %v", err)
	}
}

func TestRecoverPendingJobs(t *testing.T) {
	catalog := newTestCatalog(t)
	video := createTestVideo(t, catalog, "vid-recover")

	queuedJob, err := catalog.CreateJob(storage.CreateJobParams{
		VideoID:  video.ID,
		InputKey: video.SourceKey,
		Profiles: []string{"480p"},
		Formats:  []string{FormatHLS},
	})
	if err != nil {
		t.Fatalf("create queued job: %v", err)
	}
	interrupted, err := catalog.CreateJob(storage.CreateJobParams{
		VideoID:  video.ID,
		InputKey: video.SourceKey,
		Profiles: []string{"720p"},
		Formats:  []string{FormatHLS},
	})
	if err != nil {
		t.Fatalf("create interrupted job: %v", err)
	}
	running := models.JobRunning
	if _, err := catalog.UpdateJob(interrupted.ID, storage.JobUpdate{Status: &running}); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	converter := &fakeConverter{}
	newTestOrchestrator(t, catalog, converter, Config{Workers: 2})

	if job := waitForTerminal(t, catalog, queuedJob.ID); job.Status != models.JobCompleted {
		t.Fatalf("queued job: expected completed, got %s", job.Status)
	}
	if job := waitForTerminal(t, catalog, interrupted.ID); job.Status != models.JobCompleted {
		t.Fatalf("interrupted job: expected completed, got %s", job.Status)
	}
}

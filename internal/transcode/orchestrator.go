// Package transcode turns uploaded source videos into quality variants. Jobs
// queue by priority and run under a bounded concurrency cap; each (profile,
// format) pair converts independently so one failure never discards the
// artifacts that did succeed.
package transcode

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"coursecast/internal/errdefs"
	"coursecast/internal/models"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/storage"
)

const (
	defaultWorkers     = 2
	defaultPairTimeout = 30 * time.Minute
)

// Config tunes the orchestrator. Zero fields fall back to defaults.
type Config struct {
	// Workers caps how many jobs convert at the same time.
	Workers     int
	PairTimeout time.Duration
	Profiles    []string
	Formats     []string
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Orchestrator owns the transcoding queue and its worker budget.
type Orchestrator struct {
	catalog     storage.Repository
	converter   Converter
	sem         *semaphore.Weighted
	pairTimeout time.Duration
	profiles    []string
	formats     []string
	logger      *slog.Logger
	metrics     *metrics.Recorder
	clock       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobQueue
	running map[string]context.CancelFunc
	started bool
}

// NewOrchestrator wires the orchestrator. Start must be called before jobs
// make progress.
func NewOrchestrator(catalog storage.Repository, converter Converter, cfg Config) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pairTimeout := cfg.PairTimeout
	if pairTimeout <= 0 {
		pairTimeout = defaultPairTimeout
	}
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	formats := cfg.Formats
	if len(formats) == 0 {
		formats = DefaultFormats()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		catalog:     catalog,
		converter:   converter,
		sem:         semaphore.NewWeighted(int64(workers)),
		pairTimeout: pairTimeout,
		profiles:    append([]string(nil), profiles...),
		formats:     append([]string(nil), formats...),
		logger:      logger,
		metrics:     recorder,
		clock:       func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[string]context.CancelFunc),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Start launches the dispatcher and re-enqueues jobs interrupted by a
// previous shutdown.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.dispatch()
	go o.recoverPending()
}

// Shutdown stops accepting work, cancels in-flight conversions, and waits for
// workers to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitParams describes a transcoding request. Empty profile and format
// lists fall back to the orchestrator defaults.
type SubmitParams struct {
	VideoID  string
	InputKey string
	Profiles []string
	Formats  []string
	Priority int
}

// Submit validates and enqueues a job.
func (o *Orchestrator) Submit(_ context.Context, params SubmitParams) (models.TranscodingJob, error) {
	video, ok := o.catalog.GetVideo(params.VideoID)
	if !ok {
		return models.TranscodingJob{}, errdefs.New(errdefs.KindNotFound, "video %s not found", params.VideoID)
	}
	profiles := params.Profiles
	if len(profiles) == 0 {
		profiles = o.profiles
	}
	for _, name := range profiles {
		if _, ok := LookupProfile(name); !ok {
			return models.TranscodingJob{}, errdefs.New(errdefs.KindValidation, "unknown quality profile %q", name)
		}
	}
	formats := params.Formats
	if len(formats) == 0 {
		formats = o.formats
	}
	for _, format := range formats {
		if !SupportedFormat(format) {
			return models.TranscodingJob{}, errdefs.New(errdefs.KindValidation, "unknown output format %q", format)
		}
	}
	inputKey := strings.TrimSpace(params.InputKey)
	if inputKey == "" {
		inputKey = video.SourceKey
	}
	if inputKey == "" {
		return models.TranscodingJob{}, errdefs.New(errdefs.KindValidation, "video %s has no source object", params.VideoID)
	}

	job, err := o.catalog.CreateJob(storage.CreateJobParams{
		VideoID:  video.ID,
		InputKey: inputKey,
		Profiles: profiles,
		Formats:  formats,
		Priority: params.Priority,
	})
	if err != nil {
		return models.TranscodingJob{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "enqueue job")
	}

	o.enqueue(job)
	o.logger.Info("transcoding job queued",
		"job_id", job.ID,
		"video_id", job.VideoID,
		"priority", job.Priority,
		"pairs", len(job.Profiles)*len(job.Formats))
	return job, nil
}

// SubmitForVideo enqueues a job with default profiles and formats. It is the
// handoff point for finalized uploads.
func (o *Orchestrator) SubmitForVideo(ctx context.Context, video models.Video) (models.TranscodingJob, error) {
	return o.Submit(ctx, SubmitParams{VideoID: video.ID, InputKey: video.SourceKey})
}

func (o *Orchestrator) enqueue(job models.TranscodingJob) {
	o.mu.Lock()
	heap.Push(&o.queue, queuedJob{
		id:          job.ID,
		priority:    job.Priority,
		submittedAt: job.SubmittedAt,
	})
	o.cond.Signal()
	o.mu.Unlock()
}

// Cancel stops a job. Queued jobs are marked cancelled immediately; running
// jobs are signalled and settle to cancelled once the active conversion
// notices.
func (o *Orchestrator) Cancel(id string) (models.TranscodingJob, error) {
	job, ok := o.catalog.GetJob(id)
	if !ok {
		return models.TranscodingJob{}, errdefs.New(errdefs.KindNotFound, "job %s not found", id)
	}
	switch job.Status {
	case models.JobQueued:
		return o.finishJob(id, models.JobCancelled, "")
	case models.JobRunning:
		o.mu.Lock()
		cancel, active := o.running[id]
		o.mu.Unlock()
		if active {
			cancel()
		}
		return job, nil
	default:
		return models.TranscodingJob{}, errdefs.New(errdefs.KindInvalidState, "job %s is %s", id, job.Status)
	}
}

// recoverPending re-enqueues jobs that never finished. Jobs caught mid-run by
// a crash are reset to queued first.
func (o *Orchestrator) recoverPending() {
	for _, job := range o.catalog.ListJobs("") {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		switch job.Status {
		case models.JobQueued:
			o.enqueue(job)
		case models.JobRunning:
			queued := models.JobQueued
			reset, err := o.catalog.UpdateJob(job.ID, storage.JobUpdate{Status: &queued})
			if err != nil {
				o.logger.Error("failed to reset interrupted job", "job_id", job.ID, "error", err)
				continue
			}
			o.enqueue(reset)
		}
	}
}

func (o *Orchestrator) dispatch() {
	defer o.wg.Done()
	for {
		// Take a worker slot first so the highest-priority job at that
		// moment wins the slot, not the one that happened to arrive first.
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			return
		}
		o.mu.Lock()
		for len(o.queue) == 0 && o.ctx.Err() == nil {
			o.cond.Wait()
		}
		if o.ctx.Err() != nil {
			o.mu.Unlock()
			o.sem.Release(1)
			return
		}
		item := heap.Pop(&o.queue).(queuedJob)
		o.mu.Unlock()

		job, ok := o.catalog.GetJob(item.id)
		if !ok || job.Status != models.JobQueued {
			// Cancelled or removed while waiting in the queue.
			o.sem.Release(1)
			continue
		}
		runCtx, cancelRun := context.WithCancel(o.ctx)
		o.mu.Lock()
		o.running[job.ID] = cancelRun
		o.mu.Unlock()

		o.wg.Add(1)
		go func(job models.TranscodingJob) {
			defer o.wg.Done()
			defer o.sem.Release(1)
			defer func() {
				o.mu.Lock()
				delete(o.running, job.ID)
				o.mu.Unlock()
				cancelRun()
			}()
			o.runJob(runCtx, job)
		}(job)
	}
}

func (o *Orchestrator) runJob(ctx context.Context, job models.TranscodingJob) {
	started := o.clock()
	running := models.JobRunning
	job, err := o.catalog.UpdateJob(job.ID, storage.JobUpdate{Status: &running, StartedAt: &started})
	if err != nil {
		o.logger.Error("failed to mark job running", "job_id", job.ID, "error", err)
		return
	}
	o.metrics.TranscodeStarted()

	total := len(job.Profiles) * len(job.Formats)
	done := 0
	succeeded := 0
	for _, profileName := range job.Profiles {
		profile, _ := LookupProfile(profileName)
		for _, format := range job.Formats {
			if ctx.Err() != nil {
				o.settleCancelled(job.ID)
				return
			}
			currentProfile := profileName
			currentFormat := format
			if _, err := o.catalog.UpdateJob(job.ID, storage.JobUpdate{
				CurrentProfile: &currentProfile,
				CurrentFormat:  &currentFormat,
			}); err != nil {
				o.logger.Error("failed to record active pair", "job_id", job.ID, "error", err)
			}

			pairCtx, cancelPair := context.WithTimeout(ctx, o.pairTimeout)
			result, convErr := o.converter.Convert(pairCtx, ConvertRequest{
				VideoID:  job.VideoID,
				InputKey: job.InputKey,
				Profile:  profile,
				Format:   format,
			})
			cancelPair()
			done++
			progress := done * 100 / total

			if convErr != nil {
				if ctx.Err() != nil {
					o.settleCancelled(job.ID)
					return
				}
				failure := models.PairFailure{Profile: profileName, Format: format, Reason: convErr.Error()}
				if _, err := o.catalog.UpdateJob(job.ID, storage.JobUpdate{
					AppendFailure: &failure,
					Progress:      &progress,
				}); err != nil {
					o.logger.Error("failed to record pair failure", "job_id", job.ID, "error", err)
				}
				o.logger.Warn("conversion failed",
					"job_id", job.ID,
					"profile", profileName,
					"format", format,
					"error", convErr)
				continue
			}

			if _, err := o.catalog.RegisterVariant(storage.RegisterVariantParams{
				VideoID:    job.VideoID,
				Quality:    profile.Name,
				Width:      profile.Width,
				Height:     profile.Height,
				Bitrate:    profile.Bitrate,
				Format:     format,
				StorageKey: result.StorageKey,
				SizeBytes:  result.SizeBytes,
			}); err != nil {
				failure := models.PairFailure{Profile: profileName, Format: format, Reason: fmt.Sprintf("register variant: %v", err)}
				if _, updateErr := o.catalog.UpdateJob(job.ID, storage.JobUpdate{
					AppendFailure: &failure,
					Progress:      &progress,
				}); updateErr != nil {
					o.logger.Error("failed to record pair failure", "job_id", job.ID, "error", updateErr)
				}
				continue
			}
			succeeded++
			if _, err := o.catalog.UpdateJob(job.ID, storage.JobUpdate{Progress: &progress}); err != nil {
				o.logger.Error("failed to record progress", "job_id", job.ID, "error", err)
			}
		}
	}

	switch {
	case succeeded == total:
		o.settle(job.ID, models.JobCompleted, "")
	case succeeded > 0:
		o.settle(job.ID, models.JobPartial, "")
	default:
		o.settle(job.ID, models.JobFailed, "all conversions failed")
	}
}

// settle finishes a job that actually ran. Every runJob exit path funnels
// through here, keeping the started/finished gauge balanced; queued jobs
// cancelled before dispatch go straight to finishJob and never touch it.
func (o *Orchestrator) settle(jobID, status, errMsg string) {
	o.metrics.TranscodeFinished(status)
	if _, err := o.finishJob(jobID, status, errMsg); err != nil {
		o.logger.Error("failed to settle job", "job_id", jobID, "status", status, "error", err)
		return
	}
	o.logger.Info("transcoding job finished", "job_id", jobID, "status", status)
}

func (o *Orchestrator) settleCancelled(jobID string) {
	o.settle(jobID, models.JobCancelled, "")
}

func (o *Orchestrator) finishJob(jobID, status, errMsg string) (models.TranscodingJob, error) {
	finished := o.clock()
	empty := ""
	return o.catalog.UpdateJob(jobID, storage.JobUpdate{
		Status:         &status,
		Error:          &errMsg,
		FinishedAt:     &finished,
		CurrentProfile: &empty,
		CurrentFormat:  &empty,
	})
}

// queuedJob orders the heap by descending priority, then submission time.
type queuedJob struct {
	id          string
	priority    int
	submittedAt time.Time
}

type jobQueue []queuedJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].submittedAt.Before(q[j].submittedAt)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(queuedJob)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

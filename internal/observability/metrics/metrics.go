// Package metrics aggregates in-memory counters for the video core and
// renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type jobLabel struct {
	status string
}

// Recorder aggregates counters for HTTP traffic, chunk ingestion, transcoding
// jobs, playback, and offline packages. Writers coordinate through a RWMutex;
// the active-transcode gauge is atomic so job workers never contend on it.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	chunkEvents      map[string]uint64
	uploadedBytes    uint64
	jobEvents        map[jobLabel]uint64
	activeTranscodes atomic.Int64
	playbackEvents   map[string]uint64
	packageEvents    map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for immediate use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		chunkEvents:     make(map[string]uint64),
		jobEvents:       make(map[jobLabel]uint64),
		playbackEvents:  make(map[string]uint64),
		packageEvents:   make(map[string]uint64),
	}
}

// Default returns the process-wide shared recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates count and cumulative duration per method,
// normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk records the outcome of one chunk upload attempt: "accepted",
// "size_mismatch", "checksum_mismatch", or similar. Accepted chunks also add
// to the ingested-byte total.
func (r *Recorder) ObserveChunk(outcome string, bytes int64) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.chunkEvents[normalized]++
	if normalized == "accepted" && bytes > 0 {
		r.uploadedBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// TranscodeStarted bumps the active-transcode gauge.
func (r *Recorder) TranscodeStarted() {
	r.activeTranscodes.Add(1)
}

// TranscodeFinished records the terminal status of a job ("completed",
// "partial", "failed", "cancelled") and releases the gauge.
func (r *Recorder) TranscodeFinished(status string) {
	r.mu.Lock()
	r.jobEvents[jobLabel{status: normalizeName(status)}]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeTranscodes)
}

// ObservePlayback records a playback request by kind: "master", "playlist",
// "segment", or "file".
func (r *Recorder) ObservePlayback(kind string) {
	r.mu.Lock()
	r.playbackEvents[normalizeName(kind)]++
	r.mu.Unlock()
}

// ObservePackage records an offline package lifecycle event: "requested",
// "built", "failed", "downloaded", "limit_exceeded", "deleted".
func (r *Recorder) ObservePackage(event string) {
	r.mu.Lock()
	r.packageEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// ActiveTranscodes exposes the current gauge of in-flight jobs.
func (r *Recorder) ActiveTranscodes() int64 {
	return r.activeTranscodes.Load()
}

// ChunkCounts returns a copy of the chunk outcome counters plus the total
// ingested bytes, for tests and reporting.
func (r *Recorder) ChunkCounts() (events map[string]uint64, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.chunkEvents))
	for k, v := range r.chunkEvents {
		events[k] = v
	}
	return events, r.uploadedBytes
}

// JobCounts returns a copy of the finished-job counters keyed by terminal
// status.
func (r *Recorder) JobCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.jobEvents))
	for label, v := range r.jobEvents {
		events[label.status] = v
	}
	return events
}

// PackageCounts returns a copy of the package event counters.
func (r *Recorder) PackageCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.packageEvents))
	for k, v := range r.packageEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chunkEvents = make(map[string]uint64)
	r.uploadedBytes = 0
	r.jobEvents = make(map[jobLabel]uint64)
	r.playbackEvents = make(map[string]uint64)
	r.packageEvents = make(map[string]uint64)
	r.activeTranscodes.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics with sorted label sets so scrapes and tests see
// stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chunkEvents := sortedKeys(r.chunkEvents)
	playbackEvents := sortedKeys(r.playbackEvents)
	packageEvents := sortedKeys(r.packageEvents)
	jobLabels := r.sortedJobLabels()

	fmt.Fprintln(w, "# HELP coursecast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE coursecast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "coursecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP coursecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE coursecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "coursecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP coursecast_upload_chunks_total Chunk upload attempts by outcome")
	fmt.Fprintln(w, "# TYPE coursecast_upload_chunks_total counter")
	for _, event := range chunkEvents {
		fmt.Fprintf(w, "coursecast_upload_chunks_total{outcome=\"%s\"} %d\n", event, r.chunkEvents[event])
	}

	fmt.Fprintln(w, "# HELP coursecast_upload_bytes_total Total bytes accepted across all chunk uploads")
	fmt.Fprintln(w, "# TYPE coursecast_upload_bytes_total counter")
	fmt.Fprintf(w, "coursecast_upload_bytes_total %d\n", r.uploadedBytes)

	fmt.Fprintln(w, "# HELP coursecast_transcode_jobs_total Finished transcoding jobs by terminal status")
	fmt.Fprintln(w, "# TYPE coursecast_transcode_jobs_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "coursecast_transcode_jobs_total{status=\"%s\"} %d\n", label.status, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP coursecast_transcode_active_jobs Current number of in-flight transcoding jobs")
	fmt.Fprintln(w, "# TYPE coursecast_transcode_active_jobs gauge")
	fmt.Fprintf(w, "coursecast_transcode_active_jobs %d\n", r.activeTranscodes.Load())

	fmt.Fprintln(w, "# HELP coursecast_playback_requests_total Playback requests by kind")
	fmt.Fprintln(w, "# TYPE coursecast_playback_requests_total counter")
	for _, event := range playbackEvents {
		fmt.Fprintf(w, "coursecast_playback_requests_total{kind=\"%s\"} %d\n", event, r.playbackEvents[event])
	}

	fmt.Fprintln(w, "# HELP coursecast_offline_packages_total Offline package lifecycle events by type")
	fmt.Fprintln(w, "# TYPE coursecast_offline_packages_total counter")
	for _, event := range packageEvents {
		fmt.Fprintf(w, "coursecast_offline_packages_total{event=\"%s\"} %d\n", event, r.packageEvents[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []jobLabel {
	labels := make([]jobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].status < labels[j].status })
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveChunk records on the default recorder.
func ObserveChunk(outcome string, bytes int64) {
	defaultRecorder.ObserveChunk(outcome, bytes)
}

// TranscodeStarted records on the default recorder.
func TranscodeStarted() {
	defaultRecorder.TranscodeStarted()
}

// TranscodeFinished records on the default recorder.
func TranscodeFinished(status string) {
	defaultRecorder.TranscodeFinished(status)
}

// ObservePlayback records on the default recorder.
func ObservePlayback(kind string) {
	defaultRecorder.ObservePlayback(kind)
}

// ObservePackage records on the default recorder.
func ObservePackage(event string) {
	defaultRecorder.ObservePackage(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

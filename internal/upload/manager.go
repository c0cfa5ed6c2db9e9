// Package upload implements resumable chunked upload sessions. Session state
// lives in the TTL key-value store, chunk payloads in blob storage; finalize
// assembles the chunks into a source object, registers the video in the
// catalog, and hands the result to the transcoding pipeline.
package upload

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"coursecast/internal/blob"
	"coursecast/internal/errdefs"
	"coursecast/internal/kv"
	"coursecast/internal/models"
	"coursecast/internal/storage"
)

const (
	defaultSessionTTL   = 24 * time.Hour
	defaultMaxTotalSize = int64(8) << 30
	defaultMinChunkSize = int64(1) << 20
	defaultMaxChunkSize = int64(64) << 20
	defaultMaxChunks    = 10000

	sessionRecordGrace = time.Hour

	// sessionUpdateAttempts bounds the compare-and-swap retry loop when
	// several instances mutate the same session record.
	sessionUpdateAttempts = 5

	sessionKeyPrefix = "coursecast:upload:session:"
	bytesKeyPrefix   = "coursecast:upload:bytes:"
	chunkBlobPrefix  = "uploads/"
)

// allowedExtensions lists the container formats the transcoder accepts.
var allowedExtensions = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
	".avi":  true,
	".ts":   true,
}

// JobSubmitter hands a registered video to the transcoding pipeline.
type JobSubmitter interface {
	SubmitForVideo(ctx context.Context, video models.Video) (models.TranscodingJob, error)
}

// Config bounds upload sessions. Zero fields fall back to defaults.
type Config struct {
	SessionTTL   time.Duration
	MaxTotalSize int64
	MinChunkSize int64
	MaxChunkSize int64
	MaxChunks    int
}

func (cfg Config) withDefaults() Config {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = defaultMaxTotalSize
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = defaultMinChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = defaultMaxChunkSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = defaultMaxChunks
	}
	return cfg
}

// Manager coordinates the upload session lifecycle.
type Manager struct {
	sessions  kv.Store
	blobs     blob.Store
	catalog   storage.Repository
	submitter JobSubmitter
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time

	// mu serializes mutations within this process. Across instances the
	// session record is updated with a compare-and-swap and the byte total
	// with the store's atomic increment, so any worker may serve any
	// request for the same session.
	mu sync.Mutex
}

// NewManager wires the session manager. submitter may be nil, in which case
// finalized uploads are registered but no transcoding job is enqueued.
func NewManager(sessions kv.Store, blobs blob.Store, catalog storage.Repository, submitter JobSubmitter, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  sessions,
		blobs:     blobs,
		catalog:   catalog,
		submitter: submitter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// CreateParams describes a new upload session request.
type CreateParams struct {
	OwnerID   string
	Filename  string
	Title     string
	TotalSize int64
	ChunkSize int64
	Metadata  map[string]string
}

// FinalizeResult reports what a finalized session produced.
type FinalizeResult struct {
	Session models.UploadSession
	Video   models.Video
	Job     *models.TranscodingJob
}

func sessionKey(id string) string { return sessionKeyPrefix + id }
func bytesKey(id string) string   { return bytesKeyPrefix + id }

func chunkKey(sessionID string, index int) string {
	return chunkBlobPrefix + sessionID + "/chunks/" + strconv.Itoa(index)
}

func generateSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// Create validates the declared size and chunk size, computes the chunk plan,
// and persists the session with its TTL.
func (m *Manager) Create(ctx context.Context, params CreateParams) (models.UploadSession, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "owner id is required")
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "filename is required")
	}
	if strings.ContainsAny(filename, "/\\") {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "filename must not contain path separators")
	}
	if ext := strings.ToLower(filepath.Ext(filename)); !allowedExtensions[ext] {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "unsupported file extension %q", ext)
	}
	if params.TotalSize <= 0 {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "total size must be positive")
	}
	if params.TotalSize > m.cfg.MaxTotalSize {
		return models.UploadSession{}, errdefs.New(errdefs.KindLimitExceeded, "total size %d exceeds limit %d", params.TotalSize, m.cfg.MaxTotalSize)
	}
	if params.ChunkSize < m.cfg.MinChunkSize || params.ChunkSize > m.cfg.MaxChunkSize {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "chunk size must be between %d and %d bytes", m.cfg.MinChunkSize, m.cfg.MaxChunkSize)
	}
	chunkCount := int((params.TotalSize + params.ChunkSize - 1) / params.ChunkSize)
	if chunkCount > m.cfg.MaxChunks {
		return models.UploadSession{}, errdefs.New(errdefs.KindLimitExceeded, "upload would need %d chunks, limit is %d", chunkCount, m.cfg.MaxChunks)
	}

	id, err := generateSessionID()
	if err != nil {
		return models.UploadSession{}, errdefs.Wrap(errdefs.KindInternal, err, "create session")
	}
	now := m.clock()
	chunks := make([]models.Chunk, chunkCount)
	for i := range chunks {
		offset := int64(i) * params.ChunkSize
		size := params.ChunkSize
		if remaining := params.TotalSize - offset; remaining < size {
			size = remaining
		}
		chunks[i] = models.Chunk{Index: i, Offset: offset, Size: size}
	}
	session := models.UploadSession{
		ID:        id,
		OwnerID:   params.OwnerID,
		Filename:  filename,
		TotalSize: params.TotalSize,
		ChunkSize: params.ChunkSize,
		Chunks:    chunks,
		Status:    models.SessionCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
	}
	if params.Title != "" || len(params.Metadata) > 0 {
		session.Metadata = make(map[string]string, len(params.Metadata)+1)
		for k, v := range params.Metadata {
			session.Metadata[k] = v
		}
		if title := strings.TrimSpace(params.Title); title != "" {
			session.Metadata["title"] = title
		}
	}

	if err := m.saveSession(ctx, session); err != nil {
		return models.UploadSession{}, err
	}
	m.logger.Info("upload session created",
		"session_id", session.ID,
		"owner_id", session.OwnerID,
		"total_size", session.TotalSize,
		"chunks", len(session.Chunks))
	return session, nil
}

// sessionTTL keeps the record alive past the logical deadline by a grace
// window so clients polling a stale session see "expired" instead of
// "not found".
func (m *Manager) sessionTTL(session models.UploadSession) time.Duration {
	ttl := session.ExpiresAt.Sub(m.clock()) + sessionRecordGrace
	if session.Terminal() {
		ttl = sessionRecordGrace
	} else if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}

func (m *Manager) saveSession(ctx context.Context, session models.UploadSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode session")
	}
	if err := m.sessions.Set(ctx, sessionKey(session.ID), payload, m.sessionTTL(session)); err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamFailure, err, "persist session")
	}
	return nil
}

// errSessionUnchanged signals from a mutate callback that nothing needs to be
// written, short-circuiting the swap.
var errSessionUnchanged = errors.New("upload: session unchanged")

// mutateSession applies mutate to the stored session and persists the result
// with a compare-and-swap, retrying when another instance wrote between the
// read and the write. The callback runs once per attempt and must derive all
// of its decisions from the session it is handed.
func (m *Manager) mutateSession(ctx context.Context, id string, mutate func(*models.UploadSession) error) (models.UploadSession, error) {
	for attempt := 0; attempt < sessionUpdateAttempts; attempt++ {
		raw, err := m.sessions.Get(ctx, sessionKey(id))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return models.UploadSession{}, errdefs.New(errdefs.KindNotFound, "upload session %s not found", id)
			}
			return models.UploadSession{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "load session")
		}
		var session models.UploadSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return models.UploadSession{}, errdefs.Wrap(errdefs.KindInternal, err, "decode session")
		}
		if err := mutate(&session); err != nil {
			if errors.Is(err, errSessionUnchanged) {
				return session, nil
			}
			return models.UploadSession{}, err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return models.UploadSession{}, errdefs.Wrap(errdefs.KindInternal, err, "encode session")
		}
		swapped, err := m.sessions.SetIfEqual(ctx, sessionKey(id), payload, raw, m.sessionTTL(session))
		if err != nil {
			return models.UploadSession{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "persist session")
		}
		if swapped {
			return session, nil
		}
	}
	return models.UploadSession{}, errdefs.New(errdefs.KindUpstreamFailure, "upload session %s update contention", id)
}

// refreshUploadedBytes reads the shared progress counter so every instance
// reports the same total regardless of which one accepted the chunks.
func (m *Manager) refreshUploadedBytes(ctx context.Context, session *models.UploadSession) error {
	total, err := m.sessions.IncrBy(ctx, bytesKey(session.ID), 0)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamFailure, err, "read progress")
	}
	session.UploadedBytes = total
	return nil
}

func (m *Manager) loadSession(ctx context.Context, id string) (models.UploadSession, error) {
	raw, err := m.sessions.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return models.UploadSession{}, errdefs.New(errdefs.KindNotFound, "upload session %s not found", id)
		}
		return models.UploadSession{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "load session")
	}
	var session models.UploadSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return models.UploadSession{}, errdefs.Wrap(errdefs.KindInternal, err, "decode session")
	}
	return session, nil
}

// expireIfNeeded flips a stale session to expired and persists the change.
// It returns the possibly-updated session.
func (m *Manager) expireIfNeeded(ctx context.Context, session models.UploadSession) (models.UploadSession, error) {
	if session.Terminal() || m.clock().Before(session.ExpiresAt) {
		return session, nil
	}
	session.Status = models.SessionExpired
	if err := m.saveSession(ctx, session); err != nil {
		return session, err
	}
	m.logger.Info("upload session expired", "session_id", session.ID)
	return session, nil
}

// Status returns the session with lazy expiry applied and the uploaded-byte
// total taken from the shared counter.
func (m *Manager) Status(ctx context.Context, id string) (models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.loadSession(ctx, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	session, err = m.expireIfNeeded(ctx, session)
	if err != nil {
		return models.UploadSession{}, err
	}
	if !session.Terminal() {
		if err := m.refreshUploadedBytes(ctx, &session); err != nil {
			return models.UploadSession{}, err
		}
	}
	return session, nil
}

// AcceptChunk stores one chunk payload. Re-uploading an already stored chunk
// replaces its bytes without double counting progress.
func (m *Manager) AcceptChunk(ctx context.Context, sessionID string, index int, body io.Reader, checksum string) (models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	session, err = m.expireIfNeeded(ctx, session)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.Status == models.SessionExpired {
		return models.UploadSession{}, errdefs.New(errdefs.KindExpired, "upload session %s has expired", sessionID)
	}
	if session.Terminal() {
		return models.UploadSession{}, errdefs.New(errdefs.KindInvalidState, "upload session %s is %s", sessionID, session.Status)
	}
	if index < 0 || index >= len(session.Chunks) {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "chunk index %d out of range [0,%d)", index, len(session.Chunks))
	}

	expected := session.Chunks[index]
	hasher := sha256.New()
	written, err := m.blobs.Put(ctx, chunkKey(sessionID, index), io.TeeReader(io.LimitReader(body, expected.Size+1), hasher))
	if err != nil {
		return models.UploadSession{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "store chunk %d", index)
	}
	if written != expected.Size {
		m.discardChunk(ctx, sessionID, index, expected.Size)
		return models.UploadSession{}, errdefs.New(errdefs.KindSizeMismatch, "chunk %d expected %d bytes, received %d", index, expected.Size, written)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if checksum != "" && !strings.EqualFold(checksum, digest) {
		m.discardChunk(ctx, sessionID, index, expected.Size)
		return models.UploadSession{}, errdefs.New(errdefs.KindChecksumMismatch, "chunk %d checksum mismatch", index)
	}

	now := m.clock()
	var counted bool
	session, err = m.mutateSession(ctx, sessionID, func(s *models.UploadSession) error {
		counted = !s.Chunks[index].Uploaded
		s.Chunks[index].Uploaded = true
		s.Chunks[index].UploadedAt = &now
		s.Chunks[index].Checksum = digest
		if s.Status == models.SessionCreated {
			s.Status = models.SessionActive
		}
		return nil
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	if counted {
		total, err := m.sessions.IncrBy(ctx, bytesKey(sessionID), expected.Size)
		if err != nil {
			return models.UploadSession{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "track progress")
		}
		session.UploadedBytes = total
	} else if err := m.refreshUploadedBytes(ctx, &session); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

// discardChunk removes a chunk payload that failed validation and, when the
// chunk had previously been accepted, unmarks it and releases its progress
// bytes so the session keeps reporting only bytes that are actually stored.
func (m *Manager) discardChunk(ctx context.Context, sessionID string, index int, size int64) {
	_ = m.blobs.Delete(ctx, chunkKey(sessionID, index))
	var released bool
	_, err := m.mutateSession(ctx, sessionID, func(s *models.UploadSession) error {
		released = false
		if index < 0 || index >= len(s.Chunks) || !s.Chunks[index].Uploaded {
			return errSessionUnchanged
		}
		released = true
		s.Chunks[index].Uploaded = false
		s.Chunks[index].UploadedAt = nil
		s.Chunks[index].Checksum = ""
		return nil
	})
	if err != nil {
		m.logger.Warn("chunk rollback failed", "session_id", sessionID, "chunk", index, "error", err)
		return
	}
	if released {
		if _, err := m.sessions.IncrBy(ctx, bytesKey(sessionID), -size); err != nil {
			m.logger.Warn("progress rollback failed", "session_id", sessionID, "chunk", index, "error", err)
		}
	}
}

// missingChunks lists indexes that have not been uploaded yet.
func missingChunks(session models.UploadSession) []int {
	var missing []int
	for _, chunk := range session.Chunks {
		if !chunk.Uploaded {
			missing = append(missing, chunk.Index)
		}
	}
	return missing
}

// Finalize verifies completeness, assembles the source object, registers the
// catalog entry, and submits the transcoding job.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	session, err = m.expireIfNeeded(ctx, session)
	if err != nil {
		return FinalizeResult{}, err
	}
	if session.Status == models.SessionExpired {
		return FinalizeResult{}, errdefs.New(errdefs.KindExpired, "upload session %s has expired", sessionID)
	}
	if session.Terminal() {
		return FinalizeResult{}, errdefs.New(errdefs.KindInvalidState, "upload session %s is %s", sessionID, session.Status)
	}
	if missing := missingChunks(session); len(missing) > 0 {
		return FinalizeResult{}, errdefs.New(errdefs.KindIncompleteUpload, "chunks %v not uploaded", missing)
	}
	if err := m.refreshUploadedBytes(ctx, &session); err != nil {
		return FinalizeResult{}, err
	}
	if session.UploadedBytes != session.TotalSize {
		return FinalizeResult{}, errdefs.New(errdefs.KindSizeMismatch, "session declared %d bytes but received %d", session.TotalSize, session.UploadedBytes)
	}

	video, err := m.catalog.CreateVideo(storage.CreateVideoParams{
		OwnerID:   session.OwnerID,
		Title:     session.Metadata["title"],
		Filename:  session.Filename,
		SizeBytes: session.TotalSize,
		Metadata:  session.Metadata,
	})
	if err != nil {
		return FinalizeResult{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "register video")
	}
	sourceKey := "videos/" + video.ID + "/source/" + session.Filename
	if err := m.assembleSource(ctx, session, sourceKey); err != nil {
		_ = m.catalog.DeleteVideo(video.ID)
		return FinalizeResult{}, err
	}
	video, err = m.catalog.UpdateVideo(video.ID, storage.VideoUpdate{SourceKey: &sourceKey})
	if err != nil {
		return FinalizeResult{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "record source key")
	}

	var job *models.TranscodingJob
	if m.submitter != nil {
		submitted, err := m.submitter.SubmitForVideo(ctx, video)
		if err != nil {
			return FinalizeResult{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "submit transcoding job")
		}
		job = &submitted
	}

	session.Status = models.SessionHandedOff
	session.VideoID = video.ID
	if err := m.saveSession(ctx, session); err != nil {
		return FinalizeResult{}, err
	}
	m.cleanupChunks(ctx, sessionID)

	m.logger.Info("upload session finalized",
		"session_id", session.ID,
		"video_id", video.ID,
		"size_bytes", session.TotalSize)
	return FinalizeResult{Session: session, Video: video, Job: job}, nil
}

// assembleSource streams the chunks in order into a single source object.
func (m *Manager) assembleSource(ctx context.Context, session models.UploadSession, sourceKey string) error {
	reader, writer := io.Pipe()
	go func() {
		for _, chunk := range session.Chunks {
			chunkReader, _, err := m.blobs.Open(ctx, chunkKey(session.ID, chunk.Index))
			if err != nil {
				writer.CloseWithError(fmt.Errorf("open chunk %d: %w", chunk.Index, err))
				return
			}
			_, err = io.Copy(writer, chunkReader)
			_ = chunkReader.Close()
			if err != nil {
				writer.CloseWithError(fmt.Errorf("copy chunk %d: %w", chunk.Index, err))
				return
			}
		}
		_ = writer.Close()
	}()

	written, err := m.blobs.Put(ctx, sourceKey, reader)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamFailure, err, "assemble source object")
	}
	if written != session.TotalSize {
		_ = m.blobs.Delete(ctx, sourceKey)
		return errdefs.New(errdefs.KindSizeMismatch, "assembled %d bytes, expected %d", written, session.TotalSize)
	}
	return nil
}

func (m *Manager) cleanupChunks(ctx context.Context, sessionID string) {
	if err := m.blobs.DeletePrefix(ctx, chunkBlobPrefix+sessionID); err != nil {
		m.logger.Warn("chunk cleanup failed", "session_id", sessionID, "error", err)
	}
	if err := m.sessions.Delete(ctx, bytesKey(sessionID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		m.logger.Warn("byte counter cleanup failed", "session_id", sessionID, "error", err)
	}
}

// Cancel aborts a non-terminal session and discards its chunks.
func (m *Manager) Cancel(ctx context.Context, sessionID string) (models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	session, err = m.expireIfNeeded(ctx, session)
	if err != nil {
		return models.UploadSession{}, err
	}
	session, err = m.mutateSession(ctx, sessionID, func(s *models.UploadSession) error {
		if s.Terminal() {
			return errdefs.New(errdefs.KindInvalidState, "upload session %s is %s", sessionID, s.Status)
		}
		s.Status = models.SessionCancelled
		return nil
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	m.cleanupChunks(ctx, sessionID)
	m.logger.Info("upload session cancelled", "session_id", sessionID)
	return session, nil
}

// RetryChunks marks the given chunks as not uploaded so a client can resend
// them, releasing their progress bytes.
func (m *Manager) RetryChunks(ctx context.Context, sessionID string, indices []int) (models.UploadSession, error) {
	if len(indices) == 0 {
		return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "at least one chunk index is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	session, err = m.expireIfNeeded(ctx, session)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.Status == models.SessionExpired {
		return models.UploadSession{}, errdefs.New(errdefs.KindExpired, "upload session %s has expired", sessionID)
	}
	if session.Terminal() {
		return models.UploadSession{}, errdefs.New(errdefs.KindInvalidState, "upload session %s is %s", sessionID, session.Status)
	}

	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	for _, index := range sorted {
		if index < 0 || index >= len(session.Chunks) {
			return models.UploadSession{}, errdefs.New(errdefs.KindValidation, "chunk index %d out of range [0,%d)", index, len(session.Chunks))
		}
	}

	var released int64
	var cleared []int
	session, err = m.mutateSession(ctx, sessionID, func(s *models.UploadSession) error {
		released = 0
		cleared = cleared[:0]
		seen := make(map[int]bool, len(sorted))
		for _, index := range sorted {
			if seen[index] || !s.Chunks[index].Uploaded {
				continue
			}
			seen[index] = true
			released += s.Chunks[index].Size
			cleared = append(cleared, index)
			s.Chunks[index].Uploaded = false
			s.Chunks[index].UploadedAt = nil
			s.Chunks[index].Checksum = ""
		}
		if released == 0 {
			return errSessionUnchanged
		}
		return nil
	})
	if err != nil {
		return models.UploadSession{}, err
	}
	for _, index := range cleared {
		_ = m.blobs.Delete(ctx, chunkKey(sessionID, index))
	}
	if released > 0 {
		total, err := m.sessions.IncrBy(ctx, bytesKey(sessionID), -released)
		if err != nil {
			return models.UploadSession{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "release progress")
		}
		session.UploadedBytes = total
	} else if err := m.refreshUploadedBytes(ctx, &session); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

// SweepOrphans removes chunk blobs whose sessions no longer exist in the
// key-value store, reclaiming space after sessions age out.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	keys, err := m.blobs.List(ctx, strings.TrimSuffix(chunkBlobPrefix, "/"))
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "list upload chunks")
	}
	checked := make(map[string]bool)
	removed := 0
	for _, key := range keys {
		rest := strings.TrimPrefix(key, chunkBlobPrefix)
		sessionID, _, ok := strings.Cut(rest, "/")
		if !ok || sessionID == "" || checked[sessionID] {
			continue
		}
		checked[sessionID] = true
		_, err := m.sessions.Get(ctx, sessionKey(sessionID))
		if err == nil {
			continue
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return removed, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "check session %s", sessionID)
		}
		if err := m.blobs.DeletePrefix(ctx, chunkBlobPrefix+sessionID); err != nil {
			return removed, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "remove chunks for %s", sessionID)
		}
		_ = m.sessions.Delete(ctx, bytesKey(sessionID))
		removed++
	}
	if removed > 0 {
		m.logger.Info("orphaned upload chunks removed", "sessions", removed)
	}
	return removed, nil
}

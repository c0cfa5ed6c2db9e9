package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"coursecast/internal/errdefs"
	"coursecast/internal/models"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/upload"
)

const chunkChecksumHeader = "X-Chunk-Checksum"

type createUploadRequest struct {
	Filename  string            `json:"filename"`
	Title     string            `json:"title"`
	TotalSize int64             `json:"totalSize"`
	ChunkSize int64             `json:"chunkSize"`
	Metadata  map[string]string `json:"metadata"`
}

type retryChunksRequest struct {
	Indices []int `json:"indices"`
}

type finalizeResponse struct {
	Session sessionResponse `json:"session"`
	Video   videoResponse   `json:"video"`
	Job     *jobResponse    `json:"job,omitempty"`
}

// Uploads handles the /api/uploads collection route.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.UploadManager.Create(r.Context(), upload.CreateParams{
		OwnerID:   userID,
		Filename:  req.Filename,
		Title:     req.Title,
		TotalSize: req.TotalSize,
		ChunkSize: req.ChunkSize,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(session))
}

// UploadByID dispatches /api/uploads/{id} and its sub-routes.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session id missing"))
		return
	}
	sessionID := parts[0]

	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	session, err := h.UploadManager.Status(r.Context(), sessionID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if session.OwnerID != userID {
		writeError(w, http.StatusForbidden, fmt.Errorf("upload session belongs to another owner"))
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, newSessionResponse(session))
		case http.MethodDelete:
			cancelled, err := h.UploadManager.Cancel(r.Context(), sessionID)
			if err != nil {
				writeKindError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, newSessionResponse(cancelled))
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
		return
	}

	switch parts[1] {
	case "chunks":
		if len(parts) != 3 {
			writeError(w, http.StatusNotFound, fmt.Errorf("chunk index missing"))
			return
		}
		h.uploadChunk(w, r, sessionID, parts[2])
	case "finalize":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		h.finalizeUpload(w, r, sessionID)
	case "retry":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		var req retryChunksRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := h.UploadManager.RetryChunks(r.Context(), sessionID, req.Indices)
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(updated))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload path"))
	}
}

func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request, sessionID, indexPart string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	index, err := strconv.Atoi(indexPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index %q", indexPart))
		return
	}
	checksum := strings.TrimSpace(r.Header.Get(chunkChecksumHeader))

	session, err := h.UploadManager.AcceptChunk(r.Context(), sessionID, index, r.Body, checksum)
	if err != nil {
		metrics.ObserveChunk(chunkOutcome(err), 0)
		writeKindError(w, err)
		return
	}
	metrics.ObserveChunk("accepted", chunkSize(session, index))
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func chunkOutcome(err error) string {
	switch errdefs.KindOf(err) {
	case errdefs.KindSizeMismatch:
		return "size_mismatch"
	case errdefs.KindChecksumMismatch:
		return "checksum_mismatch"
	case errdefs.KindExpired:
		return "expired"
	default:
		return "rejected"
	}
}

func chunkSize(session models.UploadSession, index int) int64 {
	if index < 0 || index >= len(session.Chunks) {
		return 0
	}
	return session.Chunks[index].Size
}

func (h *Handler) finalizeUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	result, err := h.UploadManager.Finalize(r.Context(), sessionID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	resp := finalizeResponse{
		Session: newSessionResponse(result.Session),
		Video:   newVideoResponse(result.Video, h.Catalog.ListVariants(result.Video.ID)),
	}
	if result.Job != nil {
		job := newJobResponse(*result.Job)
		resp.Job = &job
	}
	h.logger().Info("upload finalized",
		"session_id", sessionID,
		"video_id", result.Video.ID)
	writeJSON(w, http.StatusOK, resp)
}

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"coursecast/internal/observability/metrics"
	"coursecast/internal/streaming"
	"coursecast/internal/transcode"
)

const (
	hlsContentType     = "application/vnd.apple.mpegurl"
	segmentContentType = "video/MP2T"
	mp4ContentType     = "video/mp4"

	// Manifests can change as variants land; segments are immutable.
	manifestCacheControl = "public, max-age=30"
	segmentCacheControl  = "public, max-age=31536000, immutable"
)

// StreamRoutes dispatches /api/stream/{id}/... playback requests. Every
// route is gated by a streaming token rather than the gateway identity, so
// players and download tools can fetch without custom headers.
func (h *Handler) StreamRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/stream/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream path"))
		return
	}
	videoID := parts[0]

	if _, err := h.Tokens.Validate(r.Context(), streamToken(r), videoID, streaming.PermissionStream); err != nil {
		writeKindError(w, err)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "master.m3u8":
		h.serveMaster(w, r, videoID)
	case len(parts) == 3 && parts[2] == "index.m3u8":
		h.serveMediaPlaylist(w, r, videoID, parts[1])
	case len(parts) == 4 && parts[2] == "segments":
		h.serveSegment(w, r, videoID, parts[1], parts[3])
	case len(parts) == 3 && parts[2] == "file":
		h.serveFile(w, r, videoID, parts[1])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream path"))
	}
}

// streamToken pulls the playback token from the query string or a bearer
// header.
func streamToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func (h *Handler) serveMaster(w http.ResponseWriter, r *http.Request, videoID string) {
	base := "/api/stream/" + videoID
	playlist, err := h.Stream.Master(r.Context(), videoID, base)
	if err != nil {
		writeKindError(w, err)
		return
	}
	metrics.ObservePlayback("master")
	w.Header().Set("Content-Type", hlsContentType)
	w.Header().Set("Cache-Control", manifestCacheControl)
	_, _ = io.WriteString(w, playlist)
}

func (h *Handler) serveMediaPlaylist(w http.ResponseWriter, r *http.Request, videoID, quality string) {
	reader, _, err := h.Stream.MediaPlaylist(r.Context(), videoID, quality)
	if err != nil {
		writeKindError(w, err)
		return
	}
	defer reader.Close()
	metrics.ObservePlayback("playlist")
	w.Header().Set("Content-Type", hlsContentType)
	w.Header().Set("Cache-Control", manifestCacheControl)
	_, _ = io.Copy(w, reader)
}

func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request, videoID, quality, segment string) {
	reader, info, err := h.Stream.Segment(r.Context(), videoID, quality, segment)
	if err != nil {
		writeKindError(w, err)
		return
	}
	defer reader.Close()
	metrics.ObservePlayback("segment")
	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", segmentCacheControl)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	_, _ = io.Copy(w, reader)
}

// serveFile delivers a progressive rendition with single-range support.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, videoID, quality string) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = transcode.FormatMP4
	}
	reader, info, err := h.Stream.File(r.Context(), videoID, quality, format)
	if err != nil {
		writeKindError(w, err)
		return
	}
	defer reader.Close()
	metrics.ObservePlayback("file")

	contentType := mp4ContentType
	if format != transcode.FormatMP4 {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	byteRange, err := streaming.ParseRange(r.Header.Get("Range"), info.Size)
	if err != nil {
		if errors.Is(err, streaming.ErrUnsatisfiableRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, err)
			return
		}
		writeKindError(w, err)
		return
	}
	if byteRange == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, reader)
		return
	}

	if _, err := reader.Seek(byteRange.Start, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Range", byteRange.ContentRange(info.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(byteRange.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.CopyN(w, reader, byteRange.Length())
}

// RevokeToken handles DELETE /api/tokens: the bearer of a token can retire
// it early.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, "DELETE")
		return
	}
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	token := streamToken(r)
	if token == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("token is required"))
		return
	}
	if err := h.Tokens.Revoke(r.Context(), token); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

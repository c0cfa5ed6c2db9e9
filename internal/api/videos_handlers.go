package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"coursecast/internal/streaming"
	"coursecast/internal/transcode"
)

type issueTokenRequest struct {
	Permissions []string `json:"permissions"`
	TTLSeconds  int      `json:"ttlSeconds"`
}

type tokenResponse struct {
	Token       string   `json:"token"`
	VideoID     string   `json:"videoId"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expiresAt"`
}

type submitJobRequest struct {
	Profiles []string `json:"profiles"`
	Formats  []string `json:"formats"`
	Priority int      `json:"priority"`
}

// Videos lists the caller's catalog entries.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	videos := h.Catalog.ListVideos(userID)
	response := make([]videoResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, newVideoResponse(video, h.Catalog.ListVariants(video.ID)))
	}
	writeJSON(w, http.StatusOK, response)
}

// VideoByID dispatches /api/videos/{id} and its sub-routes.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	videoID := parts[0]

	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	video, exists := h.Catalog.GetVideo(videoID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}
	isOwner := video.OwnerID == userID

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			// The metadata probe is open to any user the platform admits.
			if !isOwner && !h.accessChecker().CanAccessVideo(r.Context(), userID, videoID) {
				writeError(w, http.StatusForbidden, fmt.Errorf("access to video %s denied", videoID))
				return
			}
			writeJSON(w, http.StatusOK, newVideoResponse(video, h.Catalog.ListVariants(videoID)))
		case http.MethodDelete:
			if !isOwner {
				writeError(w, http.StatusForbidden, fmt.Errorf("video %s belongs to another owner", videoID))
				return
			}
			if err := h.Catalog.DeleteVideo(videoID); err != nil {
				writeKindError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
		return
	}

	switch parts[1] {
	case "tokens":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		if !isOwner && !h.accessChecker().CanAccessVideo(r.Context(), userID, videoID) {
			writeError(w, http.StatusForbidden, fmt.Errorf("access to video %s denied", videoID))
			return
		}
		var req issueTokenRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		token, grant, err := h.Tokens.Issue(r.Context(), streaming.IssueParams{
			VideoID:     videoID,
			SubjectID:   userID,
			Permissions: req.Permissions,
			TTL:         time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tokenResponse{
			Token:       token,
			VideoID:     grant.VideoID,
			Permissions: grant.Permissions,
			ExpiresAt:   grant.ExpiresAt.Format(time.RFC3339Nano),
		})
	case "jobs":
		h.videoJobs(w, r, videoID, isOwner, parts[2:])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown video path"))
	}
}

func (h *Handler) videoJobs(w http.ResponseWriter, r *http.Request, videoID string, isOwner bool, rest []string) {
	if !isOwner {
		writeError(w, http.StatusForbidden, fmt.Errorf("video %s belongs to another owner", videoID))
		return
	}

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			jobs := h.Catalog.ListJobs(videoID)
			response := make([]jobResponse, 0, len(jobs))
			for _, job := range jobs {
				response = append(response, newJobResponse(job))
			}
			writeJSON(w, http.StatusOK, response)
		case http.MethodPost:
			var req submitJobRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			job, err := h.Jobs.Submit(r.Context(), transcode.SubmitParams{
				VideoID:  videoID,
				Profiles: req.Profiles,
				Formats:  req.Formats,
				Priority: req.Priority,
			})
			if err != nil {
				writeKindError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, newJobResponse(job))
		default:
			methodNotAllowed(w, r, "GET, POST")
		}
		return
	}

	jobID := rest[0]
	job, exists := h.Catalog.GetJob(jobID)
	if !exists || job.VideoID != videoID {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newJobResponse(job))
	case http.MethodDelete:
		cancelled, err := h.Jobs.Cancel(jobID)
		if err != nil {
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(cancelled))
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coursecast/internal/observability/metrics"
	"coursecast/internal/offline"
)

type createPackageRequest struct {
	VideoID          string `json:"videoId"`
	Quality          string `json:"quality"`
	Format           string `json:"format"`
	IncludeSubtitles bool   `json:"includeSubtitles"`
	IncludeChapters  bool   `json:"includeChapters"`
	IncludeNotes     bool   `json:"includeNotes"`
	MaxDownloads     int    `json:"maxDownloads"`
	TTLSeconds       int    `json:"ttlSeconds"`
}

// Packages handles the /api/packages collection route.
func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		packages := h.Catalog.ListPackages(userID, "")
		response := make([]packageResponse, 0, len(packages))
		for _, pkg := range packages {
			response = append(response, newPackageResponse(pkg))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var req createPackageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		pkg, err := h.PackageBuilder.Create(r.Context(), offline.CreateParams{
			OwnerID:          userID,
			VideoID:          req.VideoID,
			Quality:          req.Quality,
			Format:           req.Format,
			IncludeSubtitles: req.IncludeSubtitles,
			IncludeChapters:  req.IncludeChapters,
			IncludeNotes:     req.IncludeNotes,
			MaxDownloads:     req.MaxDownloads,
			TTL:              time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			writeKindError(w, err)
			return
		}
		metrics.ObservePackage("created")
		writeJSON(w, http.StatusAccepted, newPackageResponse(pkg))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// PackageByID dispatches /api/packages/{id} and its sub-routes.
func (h *Handler) PackageByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/packages/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("package id missing"))
		return
	}
	packageID := parts[0]

	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			pkg, err := h.PackageBuilder.Status(r.Context(), packageID, userID)
			if err != nil {
				writeKindError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, newPackageResponse(pkg))
		case http.MethodDelete:
			if err := h.PackageBuilder.Delete(r.Context(), packageID, userID); err != nil {
				writeKindError(w, err)
				return
			}
			metrics.ObservePackage("deleted")
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
		return
	}

	if len(parts) == 2 && parts[1] == "download" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		h.downloadPackage(w, r, packageID, userID)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("unknown package path"))
}

// downloadPackage claims a download slot and streams the bundle. The claim
// happens before the first byte is written, so an aborted transfer still
// counts against the limit.
func (h *Handler) downloadPackage(w http.ResponseWriter, r *http.Request, packageID, userID string) {
	reader, info, pkg, err := h.PackageBuilder.Download(r.Context(), packageID, userID)
	if err != nil {
		metrics.ObservePackage("download_denied")
		writeKindError(w, err)
		return
	}
	defer reader.Close()
	metrics.ObservePackage("downloaded")

	filename := fmt.Sprintf("%s-%s.zip", pkg.VideoID, pkg.Quality)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger().Warn("package download interrupted",
			"package_id", packageID,
			"error", err)
	}
}

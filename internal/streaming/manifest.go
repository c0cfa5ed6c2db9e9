package streaming

import (
	"fmt"
	"strings"

	"coursecast/internal/models"
)

// MasterPlaylist renders the HLS master manifest for a video's ladder. Only
// HLS variants participate; entries are emitted in the order given, which the
// catalog already sorts by ascending bitrate. basePath is prepended to each
// media playlist URI.
func MasterPlaylist(variants []models.QualityVariant, basePath string) string {
	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")
	base := strings.TrimSuffix(basePath, "/")
	for _, variant := range variants {
		if variant.Format != "hls" {
			continue
		}
		fmt.Fprintf(&builder, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=\"%s\"\n",
			variant.Bitrate*1000, variant.Width, variant.Height, variant.Quality)
		fmt.Fprintf(&builder, "%s/%s/index.m3u8\n", base, variant.Quality)
	}
	return builder.String()
}

// HasStreamableVariant reports whether any HLS rendition exists.
func HasStreamableVariant(variants []models.QualityVariant) bool {
	for _, variant := range variants {
		if variant.Format == "hls" {
			return true
		}
	}
	return false
}

package streaming

import (
	"strings"
	"testing"

	"coursecast/internal/models"
)

func TestMasterPlaylist(t *testing.T) {
	variants := []models.QualityVariant{
		{VideoID: "v1", Quality: "480p", Width: 854, Height: 480, Bitrate: 1400, Format: "hls"},
		{VideoID: "v1", Quality: "480p", Width: 854, Height: 480, Bitrate: 1400, Format: "mp4"},
		{VideoID: "v1", Quality: "720p", Width: 1280, Height: 720, Bitrate: 2800, Format: "hls"},
	}

	playlist := MasterPlaylist(variants, "/videos/v1/stream/")
	lines := strings.Split(strings.TrimSpace(playlist), "\n")

	want := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		`#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=854x480,NAME="480p"`,
		"/videos/v1/stream/480p/index.m3u8",
		`#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720,NAME="720p"`,
		"/videos/v1/stream/720p/index.m3u8",
	}
	if len(lines) != len(want) {
		t.Fatalf("playlist has %d lines, want %d:\n%s", len(lines), len(want), playlist)
	}
	for i, line := range want {
		if lines[i] != line {
			t.Fatalf("line %d = %q, want %q", i, lines[i], line)
		}
	}
}

func TestMasterPlaylistSkipsMP4Only(t *testing.T) {
	variants := []models.QualityVariant{
		{VideoID: "v1", Quality: "720p", Format: "mp4"},
	}
	if HasStreamableVariant(variants) {
		t.Fatal("mp4-only ladder must not be streamable")
	}
	playlist := MasterPlaylist(variants, "/base")
	if strings.Contains(playlist, "720p") {
		t.Fatalf("mp4 variant leaked into playlist:\n%s", playlist)
	}
}

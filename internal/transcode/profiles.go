package transcode

import "strings"

// Profile is one rung of the quality ladder. Bitrate is the video bitrate in
// kbit/s.
type Profile struct {
	Name    string
	Width   int
	Height  int
	Bitrate int
}

// ladder is ordered by ascending bitrate.
var ladder = []Profile{
	{Name: "144p", Width: 256, Height: 144, Bitrate: 200},
	{Name: "240p", Width: 426, Height: 240, Bitrate: 400},
	{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
	{Name: "480p", Width: 854, Height: 480, Bitrate: 1400},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800},
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
}

// Output container formats.
const (
	FormatHLS = "hls"
	FormatMP4 = "mp4"
)

// LookupProfile resolves a ladder entry by name.
func LookupProfile(name string) (Profile, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for _, profile := range ladder {
		if profile.Name == trimmed {
			return profile, true
		}
	}
	return Profile{}, false
}

// Profiles returns the full ladder, lowest bitrate first.
func Profiles() []Profile {
	return append([]Profile(nil), ladder...)
}

// DefaultProfiles is the ladder subset used when a job does not name its own.
func DefaultProfiles() []string {
	return []string{"480p", "720p", "1080p"}
}

// DefaultFormats is used when a job does not name output formats.
func DefaultFormats() []string {
	return []string{FormatHLS}
}

// SupportedFormat reports whether the container format is known.
func SupportedFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatHLS, FormatMP4:
		return true
	}
	return false
}

// Package api implements the HTTP surface of the video core: resumable
// uploads, transcoding jobs, token-gated playback, and offline packages.
// Identity is delegated to the upstream gateway, which installs the
// authenticated user in the X-User-ID header.
package api

package transcode

import "context"

// ConvertRequest describes one (profile, format) conversion of a source
// object.
type ConvertRequest struct {
	VideoID  string
	InputKey string
	Profile  Profile
	Format   string
}

// ConvertResult reports where the finished artifact landed. For HLS the
// storage key addresses the media playlist; segments live beside it.
type ConvertResult struct {
	StorageKey string
	SizeBytes  int64
}

// Converter performs a single conversion. Implementations must honor context
// cancellation so in-flight jobs stop promptly.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error)
}

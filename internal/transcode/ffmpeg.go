package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"coursecast/internal/blob"
)

const defaultSegmentSeconds = 6

// FFmpegConverter shells out to ffmpeg. The source object is staged to a
// scratch directory, converted, and the finished artifacts are uploaded back
// into blob storage under videos/<id>/<quality>/<format>/.
type FFmpegConverter struct {
	blobs          blob.Store
	binary         string
	workDir        string
	segmentSeconds int
	logger         *slog.Logger
}

// FFmpegConfig tunes the converter. Zero values fall back to defaults.
type FFmpegConfig struct {
	Binary         string
	WorkDir        string
	SegmentSeconds int
	Logger         *slog.Logger
}

func NewFFmpegConverter(blobs blob.Store, cfg FFmpegConfig) *FFmpegConverter {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	workDir := strings.TrimSpace(cfg.WorkDir)
	if workDir == "" {
		workDir = os.TempDir()
	}
	segment := cfg.SegmentSeconds
	if segment <= 0 {
		segment = defaultSegmentSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegConverter{
		blobs:          blobs,
		binary:         binary,
		workDir:        workDir,
		segmentSeconds: segment,
		logger:         logger,
	}
}

func variantKeyPrefix(videoID, profile, format string) string {
	return "videos/" + videoID + "/" + profile + "/" + format
}

func (c *FFmpegConverter) Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error) {
	if !SupportedFormat(req.Format) {
		return ConvertResult{}, fmt.Errorf("unsupported format %q", req.Format)
	}

	scratch, err := os.MkdirTemp(c.workDir, "transcode-*")
	if err != nil {
		return ConvertResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	input, err := c.stageInput(ctx, req.InputKey, scratch)
	if err != nil {
		return ConvertResult{}, err
	}

	outDir := filepath.Join(scratch, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ConvertResult{}, fmt.Errorf("create output dir: %w", err)
	}
	args, primary := c.buildArgs(input, req.Profile, req.Format, outDir)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stderr = &stderr
	c.logger.Debug("ffmpeg starting",
		"video_id", req.VideoID,
		"profile", req.Profile.Name,
		"format", req.Format)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ConvertResult{}, ctx.Err()
		}
		return ConvertResult{}, fmt.Errorf("ffmpeg %s/%s: %w: %s",
			req.Profile.Name, req.Format, err, tailOf(stderr.String(), 400))
	}

	return c.publish(ctx, req, outDir, primary)
}

// stageInput copies the source object onto local disk so ffmpeg can seek it.
func (c *FFmpegConverter) stageInput(ctx context.Context, inputKey, scratch string) (string, error) {
	reader, _, err := c.blobs.Open(ctx, inputKey)
	if err != nil {
		return "", fmt.Errorf("open source %s: %w", inputKey, err)
	}
	defer reader.Close()

	path := filepath.Join(scratch, "source"+filepath.Ext(inputKey))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage source: %w", err)
	}
	_, copyErr := io.Copy(file, reader)
	if closeErr := file.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return "", fmt.Errorf("stage source: %w", copyErr)
	}
	return path, nil
}

// buildArgs assembles the ffmpeg invocation and returns the primary output
// path (the media playlist for HLS, the file itself for MP4).
func (c *FFmpegConverter) buildArgs(input string, profile Profile, format string, outDir string) ([]string, string) {
	args := []string{
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", profile.Width, profile.Height),
		"-c:v", "libx264",
		"-b:v", strconv.Itoa(profile.Bitrate) + "k",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-b:a", "128k",
	}
	switch format {
	case FormatMP4:
		output := filepath.Join(outDir, profile.Name+".mp4")
		args = append(args, "-movflags", "+faststart", output)
		return args, output
	default:
		playlist := filepath.Join(outDir, "index.m3u8")
		args = append(args,
			"-f", "hls",
			"-hls_time", strconv.Itoa(c.segmentSeconds),
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(outDir, "segment_%03d.ts"),
			playlist,
		)
		return args, playlist
	}
}

// publish uploads every produced file and returns the primary artifact key.
func (c *FFmpegConverter) publish(ctx context.Context, req ConvertRequest, outDir, primary string) (ConvertResult, error) {
	prefix := variantKeyPrefix(req.VideoID, req.Profile.Name, req.Format)
	var result ConvertResult
	err := filepath.WalkDir(outDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		file, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		key := prefix + "/" + entry.Name()
		written, putErr := c.blobs.Put(ctx, key, file)
		_ = file.Close()
		if putErr != nil {
			return fmt.Errorf("upload %s: %w", key, putErr)
		}
		result.SizeBytes += written
		if path == primary {
			result.StorageKey = key
		}
		return nil
	})
	if err != nil {
		return ConvertResult{}, err
	}
	if result.StorageKey == "" {
		return ConvertResult{}, fmt.Errorf("ffmpeg produced no %s output", req.Format)
	}
	c.logger.Info("variant published",
		"video_id", req.VideoID,
		"profile", req.Profile.Name,
		"format", req.Format,
		"bytes", result.SizeBytes)
	return result, nil
}

func tailOf(s string, max int) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) <= max {
		return trimmed
	}
	return trimmed[len(trimmed)-max:]
}

package main

import "net/url"

// startupSummaryInput carries the resolved configuration that is worth
// echoing at boot. Secrets are redacted before anything reaches the log.
type startupSummaryInput struct {
	Mode             string
	Addr             string
	StorageDriver    string
	StoragePath      string
	StorageDSN       string
	SessionDriver    string
	SessionRedisAddr string
	BlobDir          string
	ArchiveEnabled   bool
	TranscodeWorkers int
	PackageWorkers   int
}

type startupSummary struct {
	input startupSummaryInput
}

func newStartupSummary(input startupSummaryInput) startupSummary {
	return startupSummary{input: input}
}

// LogArgs renders the summary as slog key/value pairs.
func (s startupSummary) LogArgs() []any {
	datastore := map[string]any{"driver": s.input.StorageDriver}
	if s.input.StorageDriver == "postgres" {
		datastore["dsn"] = redactDSN(s.input.StorageDSN)
	} else {
		datastore["path"] = s.input.StoragePath
	}

	sessions := map[string]any{"driver": s.input.SessionDriver}
	if s.input.SessionRedisAddr != "" {
		sessions["addr"] = s.input.SessionRedisAddr
	}

	media := map[string]any{
		"blob_dir": s.input.BlobDir,
		"archive":  s.input.ArchiveEnabled,
	}

	workers := map[string]any{
		"transcode": workerCountLabel(s.input.TranscodeWorkers),
		"packages":  workerCountLabel(s.input.PackageWorkers),
	}

	return []any{
		"mode", s.input.Mode,
		"addr", s.input.Addr,
		"datastore", datastore,
		"session_store", sessions,
		"media", media,
		"workers", workers,
	}
}

func workerCountLabel(count int) any {
	if count <= 0 {
		return "default"
	}
	return count
}

// redactDSN masks the password portion of a connection string so startup
// logs never leak credentials.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "*****")
	}
	return parsed.String()
}

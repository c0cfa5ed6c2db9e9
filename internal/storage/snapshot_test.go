package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSnapshotFromJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	first, err := store.CreateVideo(CreateVideoParams{
		OwnerID:  "owner-1",
		Filename: "lecture-01.mp4",
		Title:    "Lecture 1",
	})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}
	second, err := store.CreateVideo(CreateVideoParams{
		OwnerID:  "owner-1",
		Filename: "lecture-02.mp4",
	})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}
	if _, err := store.RegisterVariant(RegisterVariantParams{
		VideoID: first.ID,
		Quality: "720p",
		Format:  "hls",
		Width:   1280,
		Height:  720,
		Bitrate: 2800,
	}); err != nil {
		t.Fatalf("RegisterVariant error: %v", err)
	}
	if _, err := store.CreateJob(CreateJobParams{
		VideoID:  first.ID,
		InputKey: first.SourceKey,
		Profiles: []string{"720p"},
		Formats:  []string{"hls"},
	}); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := store.CreatePackage(CreatePackageParams{
		OwnerID: "owner-1",
		VideoID: first.ID,
		Quality: "720p",
		Format:  "hls",
		TTL:     time.Hour,
	}); err != nil {
		t.Fatalf("CreatePackage error: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON error: %v", err)
	}

	counts := snapshot.Counts()
	if counts.Videos != 2 || counts.Variants != 1 || counts.Jobs != 1 || counts.Packages != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if snapshot.Videos[0].ID > snapshot.Videos[1].ID {
		t.Fatal("expected videos sorted by id")
	}
	found := map[string]bool{first.ID: false, second.ID: false}
	for _, video := range snapshot.Videos {
		found[video.ID] = true
	}
	for id, ok := range found {
		if !ok {
			t.Fatalf("video %s missing from snapshot", id)
		}
	}
}

func TestLoadSnapshotFromJSONMissingFile(t *testing.T) {
	if _, err := LoadSnapshotFromJSON(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

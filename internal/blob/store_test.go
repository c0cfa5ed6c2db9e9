package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestFSStorePutOpenDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	written, err := store.Put(ctx, "videos/vid-1/720p/hls/segment_0.ts", bytes.NewReader([]byte("payload")))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if written != int64(len("payload")) {
		t.Fatalf("expected %d bytes written, got %d", len("payload"), written)
	}

	reader, info, err := store.Open(ctx, "videos/vid-1/720p/hls/segment_0.ts")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()
	if info.Size != int64(len("payload")) {
		t.Fatalf("unexpected size %d", info.Size)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := store.Delete(ctx, "videos/vid-1/720p/hls/segment_0.ts"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Open(ctx, "videos/vid-1/720p/hls/segment_0.ts"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStoreOpenSeek(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := store.Put(ctx, "videos/vid-1/720p/mp4/file.mp4", bytes.NewReader(payload)); err != nil {
		t.Fatalf("put: %v", err)
	}
	reader, _, err := store.Open(ctx, "videos/vid-1/720p/mp4/file.mp4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()
	if _, err := reader.Seek(100, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	window := make([]byte, 100)
	if _, err := io.ReadFull(reader, window); err != nil {
		t.Fatalf("read window: %v", err)
	}
	if !bytes.Equal(window, payload[100:200]) {
		t.Fatal("seeked window does not match source bytes")
	}
}

func TestFSStoreListAndDeletePrefix(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	keys := []string{
		"videos/vid-1/480p/hls/index.m3u8",
		"videos/vid-1/720p/hls/index.m3u8",
		"videos/vid-2/720p/hls/index.m3u8",
	}
	for _, key := range keys {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	listed, err := store.List(ctx, "videos/vid-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 keys, got %v", listed)
	}
	if listed[0] != "videos/vid-1/480p/hls/index.m3u8" || listed[1] != "videos/vid-1/720p/hls/index.m3u8" {
		t.Fatalf("unexpected listing order %v", listed)
	}

	if err := store.DeletePrefix(ctx, "videos/vid-1"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	listed, err = store.List(ctx, "videos/vid-1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty listing, got %v", listed)
	}
	if _, err := store.Stat(ctx, "videos/vid-2/720p/hls/index.m3u8"); err != nil {
		t.Fatalf("sibling prefix should survive: %v", err)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Put(context.Background(), "../outside", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Cleaned key must stay under the root.
	if _, statErr := store.Stat(context.Background(), "outside"); statErr != nil {
		t.Fatalf("expected key to be anchored to root: %v", statErr)
	}
}

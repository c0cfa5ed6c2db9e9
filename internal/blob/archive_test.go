package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	requests []memoryS3Request
}

type memoryS3Request struct {
	Method        string
	Authorization string
	ContentSHA    string
}

func newMemoryS3Server() *memoryS3Server {
	return &memoryS3Server{objects: make(map[string]map[string][]byte)}
}

func (m *memoryS3Server) addBucket(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; !exists {
		m.objects[name] = make(map[string][]byte)
	}
}

func (m *memoryS3Server) getObject(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.objects[bucket]
	if !ok {
		return nil, false
	}
	data, ok := objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		http.Error(w, "missing bucket", http.StatusBadRequest)
		return
	}
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Authorization: r.Header.Get("Authorization"),
		ContentSHA:    r.Header.Get("X-Amz-Content-Sha256"),
	})
	bucketObjects, exists := m.objects[bucket]
	if !exists {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = append([]byte(nil), body...)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func TestArchiveDisabledWithoutBucket(t *testing.T) {
	archive := NewArchive(ArchiveConfig{})
	if archive.Enabled() {
		t.Fatal("expected disabled archive")
	}
	if _, err := archive.Upload(context.Background(), "packages/p.zip", "application/zip", []byte("x")); err != nil {
		t.Fatalf("noop upload should not fail: %v", err)
	}
}

func TestArchiveUploadAndDelete(t *testing.T) {
	backend := newMemoryS3Server()
	backend.addBucket("bundles")
	server := httptest.NewServer(backend)
	defer server.Close()

	archive := NewArchive(ArchiveConfig{
		Endpoint:       server.URL,
		Bucket:         "bundles",
		AccessKey:      "access",
		SecretKey:      "secret",
		Prefix:         "offline",
		PublicEndpoint: "https://cdn.example.com/bundles",
		RequestTimeout: 2 * time.Second,
	})
	if !archive.Enabled() {
		t.Fatal("expected enabled archive")
	}

	ref, err := archive.Upload(context.Background(), "packages/pkg-1.zip", "application/zip", []byte("bundle-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.Key != "offline/packages/pkg-1.zip" {
		t.Fatalf("unexpected key %q", ref.Key)
	}
	if ref.URL != "https://cdn.example.com/bundles/offline/packages/pkg-1.zip" {
		t.Fatalf("unexpected public url %q", ref.URL)
	}
	stored, ok := backend.getObject("bundles", "offline/packages/pkg-1.zip")
	if !ok || string(stored) != "bundle-bytes" {
		t.Fatalf("object not stored, ok=%v content=%q", ok, stored)
	}
	request := backend.lastRequest()
	if !strings.HasPrefix(request.Authorization, "AWS4-HMAC-SHA256 Credential=access/") {
		t.Fatalf("missing sigv4 authorization, got %q", request.Authorization)
	}
	if request.ContentSHA == "" {
		t.Fatal("missing payload hash header")
	}

	if err := archive.Delete(context.Background(), "packages/pkg-1.zip"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := backend.getObject("bundles", "offline/packages/pkg-1.zip"); ok {
		t.Fatal("object should be deleted")
	}
}

func TestArchiveUploadSurfacesBackendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	archive := NewArchive(ArchiveConfig{Endpoint: server.URL, Bucket: "bundles"})
	_, err := archive.Upload(context.Background(), "k", "application/zip", []byte("x"))
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
	if want := fmt.Sprintf("unexpected status %d", http.StatusInternalServerError); !strings.Contains(err.Error(), want) {
		t.Fatalf("unexpected error %v", err)
	}
}

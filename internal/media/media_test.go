package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

func TestIsRemote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn.example.com/clip.mp4", true},
		{"http://cdn.example.com/img.jpg", true},
		{"/api/media/clip.mp4", false},
		{"file:///tmp/x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsRemote(tt.url); got != tt.want {
			t.Errorf("IsRemote(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestPersist_DownloadsRemote(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer srv.Close()

	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	p := NewPersister(store, log.Nop())

	loc, err := p.Persist(context.Background(), srv.URL+"/evidence")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if !strings.HasSuffix(loc, ".jpg") {
		t.Errorf("location = %q, want .jpg extension from content type", loc)
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read stored blob: %v", err)
	}
	if string(data) != "jpegbytes" {
		t.Errorf("stored bytes = %q, want jpegbytes", data)
	}
}

func TestPersist_SkipsLocalPaths(t *testing.T) {
	t.Parallel()

	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	p := NewPersister(store, log.Nop())

	loc, err := p.Persist(context.Background(), "/api/media/clip.mp4")
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if loc != "/api/media/clip.mp4" {
		t.Errorf("location = %q, want unchanged local path", loc)
	}
}

func TestPersist_FetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	p := NewPersister(store, log.Nop())

	if _, err := p.Persist(context.Background(), srv.URL+"/gone.mp4"); err == nil {
		t.Fatal("expected error on 404 fetch")
	}
}

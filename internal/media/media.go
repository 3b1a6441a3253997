// Package media persists remote evidence referenced by AI decisions. Carrier
// URLs expire; copying the bytes into our own storage keeps the evidence
// reviewable after the fact.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

const (
	httpTimeout  = 30 * time.Second
	maxMediaSize = 64 << 20 // 64 MiB per object
)

// BlobStore writes one named blob and returns its stored location.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// DirStore is a filesystem-backed BlobStore.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at dir.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create store dir: %w", err)
	}
	return &DirStore{root: dir}, nil
}

// Put writes the blob under the store root.
func (s *DirStore) Put(_ context.Context, name string, r io.Reader) (string, error) {
	path := filepath.Join(s.root, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("media: create blob: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, io.LimitReader(r, maxMediaSize)); err != nil {
		return "", fmt.Errorf("media: write blob: %w", err)
	}
	return path, nil
}

// IsRemote reports whether the URL points at an external host. App-relative
// paths like "/api/media/..." are already ours and need no copy.
func IsRemote(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Persister downloads remote evidence and stores it in a BlobStore.
type Persister struct {
	store  BlobStore
	client *http.Client
	logger log.Logger
}

// NewPersister creates a Persister.
func NewPersister(store BlobStore, logger log.Logger) *Persister {
	if logger == nil {
		logger = log.Nop()
	}
	return &Persister{
		store:  store,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
	}
}

// Persist downloads one remote URL and stores it, returning the stored
// location. Non-remote URLs are skipped and returned unchanged.
func (p *Persister) Persist(ctx context.Context, rawURL string) (string, error) {
	if !IsRemote(rawURL) {
		return rawURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("media: create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	name := blobName(rawURL, resp.Header.Get("Content-Type"))
	loc, err := p.store.Put(ctx, name, resp.Body)
	if err != nil {
		return "", err
	}

	p.logger.Info(ctx, "persisted media", "url", rawURL, "location", loc)
	return loc, nil
}

// blobName derives a unique stored name, keeping the source extension when
// one exists and falling back to the content type.
func blobName(rawURL, contentType string) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = filepath.Ext(u.Path)
	}
	if ext == "" {
		switch {
		case strings.HasPrefix(contentType, "image/jpeg"):
			ext = ".jpg"
		case strings.HasPrefix(contentType, "image/png"):
			ext = ".png"
		case strings.HasPrefix(contentType, "video/mp4"):
			ext = ".mp4"
		}
	}
	return ulid.Make().String() + ext
}

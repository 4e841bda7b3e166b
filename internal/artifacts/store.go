// Package artifacts stores binary outputs the engine produces on behalf of
// a session: screenshots taken by the screenshot action and files the page
// downloads. Files live on disk under the storage root; a TTL'd index maps
// the public href to the disk path.
package artifacts

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

const (
	shotsDir     = "shots"
	downloadsDir = "downloads"

	// Artifacts expire from the index after this long; the janitor
	// removes the backing file on eviction.
	artifactTTL = 1 * time.Hour
)

// Store owns the shots/ and downloads/ directories under the storage root.
type Store struct {
	root  string
	index *cache.Cache
}

type record struct {
	path string
}

// NewStore creates the storage directories and the TTL index.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{shotsDir, downloadsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	index := cache.New(artifactTTL, 10*time.Minute)
	index.OnEvicted(func(key string, value interface{}) {
		if rec, ok := value.(record); ok {
			if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
				log.Printf("⚠️  [ARTIFACTS] Failed to remove expired %s: %v", key, err)
			}
		}
	})

	return &Store{root: root, index: index}, nil
}

// SaveScreenshot writes a captured JPEG and returns its public href under
// /shots/.
func (s *Store) SaveScreenshot(data []byte) (string, error) {
	id := uuid.New().String()
	filename := id + ".jpg"
	path := filepath.Join(s.root, shotsDir, filename)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	href := "/shots/" + filename
	s.index.Set(href, record{path: path}, cache.DefaultExpiration)
	return href, nil
}

// AdoptDownload moves a browser-completed download into the store and
// returns its public href under /downloads/. The original filename is kept
// as the served name via the href suffix.
func (s *Store) AdoptDownload(srcPath, filename string) (string, int64, error) {
	id := uuid.New().String()
	safe := sanitizeFilename(filename)
	destName := id + "_" + safe
	dest := filepath.Join(s.root, downloadsDir, destName)

	if err := os.Rename(srcPath, dest); err != nil {
		return "", 0, fmt.Errorf("failed to adopt download: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat download: %w", err)
	}

	href := "/downloads/" + destName
	s.index.Set(href, record{path: dest}, cache.DefaultExpiration)
	return href, info.Size(), nil
}

// Resolve maps a public href back to the disk path, or "" if it is
// unknown or expired.
func (s *Store) Resolve(href string) string {
	if v, found := s.index.Get(href); found {
		return v.(record).path
	}
	return ""
}

// DownloadRoot returns the directory the browser should drop raw
// downloads into before they are adopted.
func (s *Store) DownloadRoot() string {
	return filepath.Join(s.root, downloadsDir)
}

// sanitizeFilename removes invalid characters from filename
func sanitizeFilename(name string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := name
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	if len(result) > 80 {
		result = result[:80]
	}
	if result == "" {
		result = "download"
	}
	return result
}

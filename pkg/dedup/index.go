// Package dedup assigns each media reference its canonical key and keeps
// the cross-document index of everything seen in a run. The canonical
// key is the URL truncated just past its file extension; everything
// after it (query string, signature, byte-range suffix) varies between
// sightings of the same asset.
package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"igharvest/pkg/models"
)

var extensions = []string{".jpg", ".mp4"}

// Canonicalize derives the deduplication identity of a URL. The second
// return is false when the URL carries no recognised extension and the
// reference should be discarded.
func Canonicalize(rawURL string) (string, bool) {
	best := -1
	var bestExt string
	for _, ext := range extensions {
		if idx := strings.Index(rawURL, ext); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestExt = ext
		}
	}
	if best < 0 {
		return "", false
	}
	return rawURL[:best+len(bestExt)], true
}

// Index tracks seen canonical keys and the surviving reference for each.
// First-seen wins: later sightings of the same key are dropped even when
// they advertise a higher resolution.
type Index struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	manifest []models.MediaReference
	dropped  int
}

// NewIndex creates an empty Index
func NewIndex() *Index {
	return &Index{
		seen: make(map[string]struct{}),
	}
}

// Add canonicalizes ref and admits it if its key is new. It returns true
// when the reference survived into the manifest. References without a
// recognised extension are silently discarded.
func (i *Index) Add(ref models.MediaReference) bool {
	key, ok := Canonicalize(ref.RawURL)
	if !ok {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, dup := i.seen[key]; dup {
		i.dropped++
		return false
	}

	i.seen[key] = struct{}{}
	ref.CanonicalKey = key
	i.manifest = append(i.manifest, ref)
	return true
}

// AddAll feeds every reference through Add and returns how many survived
func (i *Index) AddAll(refs []models.MediaReference) int {
	admitted := 0
	for _, ref := range refs {
		if i.Add(ref) {
			admitted++
		}
	}
	return admitted
}

// Seed marks keys as already seen without adding manifest entries. Used
// on resume so work completed by a previous run is not re-emitted.
func (i *Index) Seed(keys []string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, key := range keys {
		i.seen[key] = struct{}{}
	}
}

// Manifest returns the surviving references in insertion order
func (i *Index) Manifest() []models.MediaReference {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]models.MediaReference, len(i.manifest))
	copy(out, i.manifest)
	return out
}

// Len returns the number of manifest entries
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.manifest)
}

// Dropped returns how many duplicate sightings were elided
func (i *Index) Dropped() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dropped
}

// manifestFile is the on-disk manifest format
type manifestFile struct {
	Version int                     `json:"version"`
	Entries []models.MediaReference `json:"entries"`
}

const manifestVersion = 1

// SaveManifest writes the manifest to path atomically
func (i *Index) SaveManifest(path string) error {
	data, err := json.MarshalIndent(manifestFile{
		Version: manifestVersion,
		Entries: i.Manifest(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a previously saved manifest. A missing file yields
// an empty slice, not an error.
func LoadManifest(path string) ([]models.MediaReference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var file manifestFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return file.Entries, nil
}

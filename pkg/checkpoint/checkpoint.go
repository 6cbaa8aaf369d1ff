// Package checkpoint persists run progress so a restart resumes instead
// of repeating work. The record is written after every page and every
// terminal download task, always with an atomic replace so a crash
// mid-write leaves the previous record intact.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Version is written into every record so older files can be migrated
const Version = 1

// Record is the persisted progress of one harvesting run
type Record struct {
	Version int    `json:"version"`
	Subject string `json:"subject"`
	UserID  string `json:"user_id,omitempty"`

	// LastCursor is the next-page token to resume from. Empty with
	// Exhausted false means start from the first page.
	LastCursor string `json:"last_cursor,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`

	CompletedPostIDs      []string `json:"completed_post_ids,omitempty"`
	CompletedDownloadKeys []string `json:"completed_download_keys,omitempty"`

	PagesFetched        int `json:"pages_fetched"`
	ReferencesExtracted int `json:"references_extracted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord creates a fresh record for a subject
func NewRecord(subject string) *Record {
	now := time.Now()
	return &Record{
		Version:   Version,
		Subject:   subject,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasPostID reports whether a post id is already recorded as processed
func (r *Record) HasPostID(id string) bool {
	for _, existing := range r.CompletedPostIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// AddPostID records a processed post id once
func (r *Record) AddPostID(id string) {
	if id == "" || r.HasPostID(id) {
		return
	}
	r.CompletedPostIDs = append(r.CompletedPostIDs, id)
}

// HasDownloadKey reports whether a canonical key is recorded as downloaded
func (r *Record) HasDownloadKey(key string) bool {
	for _, existing := range r.CompletedDownloadKeys {
		if existing == key {
			return true
		}
	}
	return false
}

// AddDownloadKey records a completed download once
func (r *Record) AddDownloadKey(key string) {
	if key == "" || r.HasDownloadKey(key) {
		return
	}
	r.CompletedDownloadKeys = append(r.CompletedDownloadKeys, key)
}

// Manager owns the checkpoint file for one subject
type Manager struct {
	path string
}

// NewManager creates a Manager storing checkpoints under baseDir. An
// empty baseDir falls back to the user data directory.
func NewManager(baseDir, subject string) (*Manager, error) {
	if baseDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}
	return &Manager{
		path: filepath.Join(baseDir, fmt.Sprintf("checkpoint_%s.json", subject)),
	}, nil
}

// defaultDataDir resolves the XDG-style data directory
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "igharvest"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "igharvest"), nil
}

// Path returns the checkpoint file location
func (m *Manager) Path() string {
	return m.path
}

// Exists reports whether a checkpoint file is present
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.path)
	return err == nil && !info.IsDir()
}

// Load reads the checkpoint. A missing file yields (nil, nil).
func (m *Manager) Load() (*Record, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if record.Version > Version {
		return nil, fmt.Errorf("checkpoint version %d is newer than supported version %d", record.Version, Version)
	}
	return &record, nil
}

// Save writes the record atomically: write to a temp file, fsync, then
// rename over the old file.
func (m *Manager) Save(record *Record) error {
	record.UpdatedAt = time.Now()
	record.Version = Version

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file; missing is not an error
func (m *Manager) Delete() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

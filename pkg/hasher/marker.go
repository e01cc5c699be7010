package hasher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Marker is a small file persisting the cache key a stage was last built with.
type Marker struct {
	Path string
}

// NewMarker returns the marker named name inside dir.
func NewMarker(dir, name string) Marker {
	return Marker{Path: filepath.Join(dir, name)}
}

// Load returns the stored digest. ok is false when the marker does not exist
// or holds garbage, both of which mean the stage must be treated as stale.
func (m Marker) Load() (d Digest, ok bool, err error) {
	raw, err := os.ReadFile(m.Path)
	if os.IsNotExist(err) {
		return d, false, nil
	}
	if err != nil {
		return d, false, fmt.Errorf("failed to read marker %s: %w", m.Path, err)
	}
	d, err = ParseDigest(strings.TrimSpace(string(raw)))
	if err != nil {
		return d, false, nil
	}
	return d, true, nil
}

// Matches reports whether the marker exists and equals d.
func (m Marker) Matches(d Digest) (bool, error) {
	stored, ok, err := m.Load()
	if err != nil || !ok {
		return false, err
	}
	return stored == d, nil
}

// Store atomically replaces the marker content with d.
func (m Marker) Store(d Digest) error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0755); err != nil {
		return fmt.Errorf("failed to create marker dir: %w", err)
	}
	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(d.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write marker %s: %w", m.Path, err)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit marker %s: %w", m.Path, err)
	}
	return nil
}

// Remove deletes the marker. A missing marker is not an error.
func (m Marker) Remove() error {
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove marker %s: %w", m.Path, err)
	}
	return nil
}

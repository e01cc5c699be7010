// Package security validates archive entries before they are written into
// the image root.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator enforces path containment and size limits while an archive
// is being extracted. One Validator tracks one extraction at a time.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a validator. A non-positive limit disables that check.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("archive_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// Unlimited returns a validator that only checks path containment.
// Used for archives the builder produced itself.
func Unlimited() *Validator {
	return NewValidator(0, 0, 0)
}

// ValidatePath rejects absolute entries and entries escaping the root.
// FreeBSD distribution archives prefix entries with "./", which is fine.
func (v *Validator) ValidatePath(name string) error {
	if filepath.IsAbs(name) {
		slog.Error("archive_path_rejected", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("archive_path_rejected", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	return nil
}

// ValidateSymlink checks a relative symlink target in the context of the
// link's own directory. Absolute targets are resolved inside the image at
// boot time and are allowed.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		return nil
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))

	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			slog.Error("archive_symlink_rejected",
				"symlink", linkPath,
				"target", target,
				"resolved", resolved)
			return fmt.Errorf("security: symlink %s -> %s escapes the root", linkPath, target)
		}
	}

	return nil
}

// ValidateHardlink checks that a hardlink refers to another entry inside
// the archive root.
func (v *Validator) ValidateHardlink(linkPath, target string) error {
	if err := v.ValidatePath(target); err != nil {
		slog.Error("archive_hardlink_rejected", "link", linkPath, "target", target)
		return fmt.Errorf("security: hardlink %s: %w", linkPath, err)
	}
	return nil
}

// ValidateFileSize checks a single entry against the per-file limit.
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("archive_file_too_large",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize tracks the running total and checks it against the limit.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.maxTotalSize > 0 && v.currentTotalSize > v.maxTotalSize {
		slog.Error("archive_total_too_large",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio rejects archives that expand beyond the configured ratio.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if v.maxCompressionRatio <= 0 {
		return nil
	}
	if compressedSize == 0 {
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("archive_ratio_exceeded",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.maxCompressionRatio)
	}

	return nil
}

// Reset starts a new extraction.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// TotalSize returns the bytes extracted since the last Reset.
func (v *Validator) TotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}

// Package hasher derives 128-bit content digests used as cache keys.
package hasher

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 16

// Digest is a truncated BLAKE3 hash.
type Digest [Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d was never computed.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(raw) != Size {
		return d, fmt.Errorf("invalid digest %q: want %d bytes, got %d", s, Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Hasher accumulates inputs. Every field is length-prefixed so that
// ("ab","c") and ("a","bc") never collide.
type Hasher struct {
	h *blake3.Hasher
}

// New returns an empty Hasher.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// String adds one string field.
func (h *Hasher) String(s string) *Hasher {
	h.writeLen(uint64(len(s)))
	_, _ = io.WriteString(h.h, s)
	return h
}

// Strings adds a list after sorting a copy of it, so reordering
// configuration never changes the digest.
func (h *Hasher) Strings(list []string) *Hasher {
	sorted := append([]string(nil), list...)
	sort.Strings(sorted)
	h.writeLen(uint64(len(sorted)))
	for _, s := range sorted {
		h.String(s)
	}
	return h
}

// Int adds an integer field.
func (h *Hasher) Int(v int64) *Hasher {
	h.writeLen(uint64(v))
	return h
}

// File streams the contents of path into the hash.
func (h *Hasher) File(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	h.writeLen(uint64(info.Size()))
	if _, err := io.Copy(h.h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return nil
}

// ModTime adds the modification time of path, in nanoseconds.
func (h *Hasher) ModTime(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	h.Int(info.ModTime().UnixNano())
	return nil
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

func (h *Hasher) writeLen(n uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, _ = h.h.Write(buf[:])
}

// File returns the digest of a single file's contents.
func File(path string) (Digest, error) {
	h := New()
	if err := h.File(path); err != nil {
		return Digest{}, err
	}
	return h.Sum(), nil
}

// Strings returns the digest of an order-insensitive string list.
func Strings(list []string) Digest {
	return New().Strings(list).Sum()
}

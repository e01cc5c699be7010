//go:build unix

package archive

import (
	"io/fs"
	"syscall"
)

type inodeKey struct {
	dev uint64
	ino uint64
}

// inodeOf identifies files with more than one link so hardlinks survive
// a round trip.
func inodeOf(info fs.FileInfo) (inodeKey, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink < 2 {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}, true
}

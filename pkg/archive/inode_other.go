//go:build !unix

package archive

import "io/fs"

type inodeKey struct {
	dev uint64
	ino uint64
}

func inodeOf(fs.FileInfo) (inodeKey, bool) {
	return inodeKey{}, false
}

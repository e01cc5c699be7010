//go:build !linux

package pipeline

import "github.com/tarbsd/builder/pkg/command"

// DefaultMounter returns the mounter native to the host.
func DefaultMounter(runner command.Runner) Mounter {
	return NewNullfsMounter(runner)
}

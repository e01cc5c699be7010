//go:build !unix

package commands

import "runtime"

func hostDescription() string {
	return runtime.GOOS + " " + runtime.GOARCH
}

package pipeline

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/progress"
)

// Binaries busybox does not replace well enough.
var (
	busyboxKeepUsr = regexp.MustCompile(`^(ssh|syslo|newsys|cron|jail|jex|jls|bhyve|peri|ifcon|dhcli|find|install|du|wall|service|env|utx|limits|automount|ldd|tar|bsdtar|pw|ip6add|fetch|drill|wpa_|mtree|ntpd|uname|passwd|login|su|[a-z]+(pass|user))`)
	busyboxKeepBin = regexp.MustCompile(`^(sh|expr|ln)`)
)

// busyboxify moves busybox to /bin and replaces every regular file of the
// base binary directories that busybox provides with a relative link to it.
func busyboxify(root string, commands []string, sink progress.Sink) (int, error) {
	sink.Start("busyboxifying")

	if err := os.Rename(filepath.Join(root, "usr/local/bin/busybox"), filepath.Join(root, "bin/busybox")); err != nil {
		return 0, errors.Wrap(err, "failed to move busybox")
	}

	provided := make(map[string]bool, len(commands))
	for _, c := range commands {
		provided[c] = true
	}

	dirs := []struct {
		dir    string
		target string
		keep   *regexp.Regexp
	}{
		{dir: "bin", target: "busybox", keep: busyboxKeepBin},
		{dir: "sbin", target: "../bin/busybox"},
		{dir: "usr/bin", target: "../../bin/busybox", keep: busyboxKeepUsr},
		{dir: "usr/sbin", target: "../../bin/busybox", keep: busyboxKeepUsr},
	}

	replaced := 0
	for _, d := range dirs {
		entries, err := os.ReadDir(filepath.Join(root, d.dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return replaced, errors.Wrap(err, "failed to list "+d.dir)
		}
		for _, e := range entries {
			sink.Advance()
			name := e.Name()
			if !e.Type().IsRegular() || !provided[name] || name == "busybox" {
				continue
			}
			if d.keep != nil && d.keep.MatchString(name) {
				continue
			}
			path := filepath.Join(root, d.dir, name)
			if err := os.Remove(path); err != nil {
				return replaced, errors.Wrap(err, "failed to remove "+path)
			}
			if err := os.Symlink(d.target, path); err != nil {
				return replaced, errors.Wrap(err, "failed to link "+path)
			}
			replaced++
		}
	}

	sink.Finish("busyboxified")
	return replaced, nil
}

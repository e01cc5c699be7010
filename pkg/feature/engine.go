package feature

import (
	"bufio"
	_ "embed"
	"slices"
	"sort"
	"strings"

	"github.com/tarbsd/builder/pkg/errors"
)

//go:embed data/prunelist
var basePruneList string

//go:embed data/busybox
var busyboxList string

// Shell selects the remote shell daemon shipped in the image.
type Shell string

const (
	ShellNone     Shell = ""
	ShellDropbear Shell = "dropbear"
	ShellOpenSSH  Shell = "openssh"
)

// ParseShell validates a configured shell value. The empty string (yaml
// null) means no remote shell.
func ParseShell(s string) (Shell, error) {
	switch Shell(s) {
	case ShellNone, ShellDropbear, ShellOpenSSH:
		return Shell(s), nil
	default:
		return "", errors.Configf("ssh", s, "valid values are dropbear, openssh and null")
	}
}

// sshPrune is removed whenever OpenSSH is not the configured shell.
var sshPrune = []string{
	"usr/bin/ssh*",
	"usr/sbin/sshd",
	"etc/ssh/*_config",
	"usr/lib/libprivatessh.*",
	"usr/lib/lib*krb*",
	"usr/lib/libgssapi*",
	"usr/lib/libhx509*",
	"usr/lib/libasn1*",
	"usr/lib/libprivateldns*",
	"usr/lib/libprivatefido2*",
	"usr/lib/libprivatecbor*",
}

// Busybox needs the linux ABI modules for a few applets.
var busyboxModules = []string{"linprocfs.ko", "linux_common.ko"}

// Config is the feature related part of a project.
type Config struct {
	Features     map[string]bool
	Packages     []string
	EarlyModules []string
	LateModules  []string
	Busybox      bool
	Shell        Shell
}

// Engine composes build inputs from a Config. It is immutable.
type Engine struct {
	cfg     Config
	enabled map[Name]bool
}

// NewEngine validates cfg. Unknown feature names are a configuration error.
func NewEngine(cfg Config) (*Engine, error) {
	enabled := make(map[Name]bool, len(table))
	for n := range table {
		enabled[n] = false
	}

	names := make([]string, 0, len(cfg.Features))
	for name := range cfg.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := table[Name(name)]; !ok {
			return nil, errors.Configf("features", name, "unknown feature, known features are %s", knownNames())
		}
		enabled[Name(name)] = cfg.Features[name]
	}

	if _, err := ParseShell(string(cfg.Shell)); err != nil {
		return nil, err
	}

	return &Engine{cfg: cfg, enabled: enabled}, nil
}

func knownNames() string {
	var s []string
	for _, n := range Names() {
		s = append(s, string(n))
	}
	return strings.Join(s, ", ")
}

// Enabled reports whether feature n is on.
func (e *Engine) Enabled(n Name) bool { return e.enabled[n] }

// EnabledFeatures returns the enabled feature names, sorted.
func (e *Engine) EnabledFeatures() []Name {
	var out []Name
	for _, n := range Names() {
		if e.enabled[n] {
			out = append(out, n)
		}
	}
	return out
}

// Shell returns the configured remote shell.
func (e *Engine) Shell() Shell { return e.cfg.Shell }

// Busybox reports whether busybox mode is on.
func (e *Engine) Busybox() bool { return e.cfg.Busybox }

// Packages returns the sorted, deduplicated package list.
func (e *Engine) Packages() []string {
	set := make(map[string]struct{})
	for _, p := range e.cfg.Packages {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	if e.cfg.Busybox {
		set["busybox"] = struct{}{}
	}
	if e.cfg.Shell == ShellDropbear {
		set["dropbear"] = struct{}{}
	}
	for n, on := range e.enabled {
		if on {
			for _, p := range table[n].Packages {
				set[p] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

// KernelModules returns the sorted early or late module list. Configured
// names get a .ko suffix; feature entries may be globs.
func (e *Engine) KernelModules(early bool) []string {
	set := make(map[string]struct{})

	configured := e.cfg.LateModules
	if early {
		configured = e.cfg.EarlyModules
	}
	for _, m := range configured {
		if m = strings.TrimSpace(m); m == "" {
			continue
		}
		if !strings.HasSuffix(m, ".ko") {
			m += ".ko"
		}
		set[m] = struct{}{}
	}

	for n, on := range e.enabled {
		if !on {
			continue
		}
		for m, isEarly := range table[n].Kmods {
			if isEarly == early {
				set[m] = struct{}{}
			}
		}
	}

	if e.cfg.Busybox && !early {
		for _, m := range busyboxModules {
			set[m] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// PruneList returns the sorted list of globs removed from the root.
func (e *Engine) PruneList() []string {
	set := map[string]struct{}{"rescue": {}}
	for _, line := range lines(basePruneList) {
		set[line] = struct{}{}
	}
	for n, on := range e.enabled {
		if !on {
			for _, p := range table[n].Prune {
				set[p] = struct{}{}
			}
		}
	}
	if e.cfg.Shell != ShellOpenSSH {
		for _, p := range sshPrune {
			set[p] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// BusyboxCommands returns the applets that replace base binaries in
// busybox mode.
func BusyboxCommands() []string {
	cmds := lines(busyboxList)
	slices.Sort(cmds)
	return slices.Compact(cmds)
}

func lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

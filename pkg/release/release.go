// Package release resolves where a base system comes from: local
// distribution tarballs or a pkgbase release served by pkg.freebsd.org.
package release

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tarbsd/builder/pkg/errors"
)

// Channels.
const (
	ChannelRelease = "RELEASE"
	ChannelLatest  = "LATEST"
)

// DefaultArch is the only architecture images are built for.
const DefaultArch = "amd64"

const pkgbaseDomain = "pkg.freebsd.org"

var (
	releasePattern = regexp.MustCompile(`^([0-9]{1,2})\.([0-9])(-RELEASE)?$`)
	latestPattern  = regexp.MustCompile(`^([0-9]{1,2})-LATEST$`)
)

// Release is a pkgbase release descriptor such as 14.2-RELEASE or 15-LATEST.
type Release struct {
	Major   int
	Minor   int
	Channel string
}

// Parse reads a descriptor. Releases older than 14.2 are rejected.
func Parse(s string) (Release, error) {
	in := strings.ToUpper(strings.TrimSpace(s))

	if m := releasePattern.FindStringSubmatch(in); m != nil {
		major, _ := strconv.Atoi(m[1])
		minor, _ := strconv.Atoi(m[2])
		if major < 14 || (major == 14 && minor < 2) {
			return Release{}, errors.Configf("release", s, "FreeBSD %d.%d isn't supported", major, minor)
		}
		return Release{Major: major, Minor: minor, Channel: ChannelRelease}, nil
	}

	if m := latestPattern.FindStringSubmatch(in); m != nil {
		major, _ := strconv.Atoi(m[1])
		if major < 14 {
			return Release{}, errors.Configf("release", s, "FreeBSD %d isn't supported", major)
		}
		return Release{Major: major, Channel: ChannelLatest}, nil
	}

	return Release{}, errors.Configf("release", s, "failed to parse FreeBSD release")
}

func (r Release) String() string {
	if r.Channel == ChannelLatest {
		return fmt.Sprintf("%d-%s", r.Major, r.Channel)
	}
	return fmt.Sprintf("%d.%d-%s", r.Major, r.Minor, r.Channel)
}

// ABI returns the pkg ABI string, e.g. FreeBSD:14:amd64.
func (r Release) ABI() string {
	return fmt.Sprintf("FreeBSD:%d:%s", r.Major, DefaultArch)
}

// RepoURL returns the base repository for abi. Passing "${ABI}" yields the
// form pkg expands itself.
func (r Release) RepoURL(abi string) string {
	if r.Channel == ChannelLatest {
		return fmt.Sprintf("https://%s/%s/base_latest/", pkgbaseDomain, abi)
	}
	return fmt.Sprintf("https://%s/%s/base_release_%d/", pkgbaseDomain, abi, r.Minor)
}

// RepoConf renders the pkg repository file that points at the release.
func (r Release) RepoConf() string {
	return fmt.Sprintf(`FreeBSD-base: {
  url: "%s",
  mirror_type: "none",
  signature_type: "fingerprints",
  fingerprints: "/usr/share/keys/pkg",
  enabled: yes
}
`, r.RepoURL("${ABI}"))
}

var excludedComponents = map[string]bool{
	"dbg":       true,
	"man":       true,
	"kernel":    true,
	"tests":     true,
	"toolchain": true,
	"clang":     true,
	"sendmail":  true,
	"src":       true,
}

var libComponent = regexp.MustCompile(`^lib(32)?$`)

// BasePackages picks the packages to install from `pkg search` output. The
// generic kernel is always first; debug, docs, tests, toolchains and 32-bit
// compat sets are left out.
func BasePackages(searchOutput string) []string {
	pkgs := []string{"FreeBSD-kernel-generic"}
	seen := map[string]bool{pkgs[0]: true}

	for _, line := range strings.Split(searchOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		parts := strings.Split(fields[0], "-")
		if len(parts) < 3 || parts[0] != "FreeBSD" {
			continue
		}
		// drop the version
		parts = parts[:len(parts)-1]

		excluded := false
		for _, p := range parts[1:] {
			if excludedComponents[p] || libComponent.MatchString(p) {
				excluded = true
				break
			}
		}
		name := strings.Join(parts, "-")
		if excluded || seen[name] {
			continue
		}
		seen[name] = true
		pkgs = append(pkgs, name)
	}
	return pkgs
}

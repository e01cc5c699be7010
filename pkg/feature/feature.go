// Package feature holds the closed table of optional image features and
// composes the package, kernel module and prune lists a build uses.
package feature

import "sort"

// Name identifies a feature. The set is fixed at compile time.
type Name string

const (
	Bhyve     Name = "bhyve"
	Geli      Name = "geli"
	Ipfw      Name = "ipfw"
	Jails     Name = "jails"
	Ntpd      Name = "ntpd"
	Pf        Name = "pf"
	Wifi      Name = "wifi"
	Wireguard Name = "wireguard"
	ZFS       Name = "zfs"
)

// Descriptor is what a feature contributes when enabled, and what it
// prunes when disabled.
type Descriptor struct {
	Packages []string
	// Kmods maps a module name or glob to true when it loads early
	// (from loader.conf) and false when it loads late (kld_list).
	Kmods map[string]bool
	Prune []string
}

var table = map[Name]Descriptor{
	Bhyve: {
		Packages: []string{"vm-bhyve", "bhyve-firmware", "grub2-bhyve"},
		Kmods: map[string]bool{
			"vmm.ko":       true,
			"nmdm.ko":      false,
			"if_bridge.ko": false,
			"bridgestp.ko": false,
		},
		Prune: []string{"usr/sbin/bhyve*", "usr/share/bhyve"},
	},
	Geli: {
		Kmods: map[string]bool{"geom_eli.ko": true, "cryptodev.ko": true},
		Prune: []string{"sbin/geli"},
	},
	Ipfw: {
		Kmods: map[string]bool{"ipfw*": false},
		Prune: []string{"sbin/ipfw*"},
	},
	Jails: {
		Kmods: map[string]bool{
			"if_bridge.ko": false,
			"bridgestp.ko": false,
			"if_epair.ko":  false,
			"fdescfs.ko":   false,
			"nullfs.ko":    false,
		},
		Prune: []string{"usr/sbin/jail*", "usr/sbin/jexec", "usr/sbin/jls"},
	},
	Ntpd: {
		Prune: []string{"usr/sbin/ntpd*"},
	},
	Pf: {
		Kmods: map[string]bool{"pf*": false},
		Prune: []string{"sbin/pfctl", "sbin/pflog"},
	},
	// chip drivers are too many to list, users add them as modules
	Wifi: {
		Prune: []string{"usr/sbin/wpa_*"},
	},
	Wireguard: {
		Packages: []string{"wireguard-tools-lite"},
		Kmods:    map[string]bool{"if_wg.ko": false},
	},
	ZFS: {
		Kmods: map[string]bool{"zfs.ko": true},
		Prune: []string{"sbin/zfs", "sbin/zpool", "sbin/zfsbootcfg", "lib/libzfs*"},
	},
}

// Names returns every known feature name, sorted.
func Names() []Name {
	names := make([]Name, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Lookup returns the descriptor of a feature.
func Lookup(n Name) (Descriptor, bool) {
	d, ok := table[n]
	return d, ok
}

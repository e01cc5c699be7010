package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/feature"
	"github.com/tarbsd/builder/pkg/release"
	"gopkg.in/yaml.v3"
)

// ProjectFile is the name of the project file in a project directory.
const ProjectFile = "tarbsd.yml"

// Modules are extra kernel modules, loaded from loader.conf (early) or
// kld_list (late).
type Modules struct {
	Early []string `yaml:"early"`
	Late  []string `yaml:"late"`
}

// Project is a decoded tarbsd.yml.
type Project struct {
	RootPasswordHash string
	RootSSHKey       string
	Backup           bool
	Busybox          bool
	Shell            feature.Shell
	Features         map[string]bool
	Modules          Modules
	Packages         []string
	// Release selects a pkgbase install, nil means distribution files.
	Release *release.Release
}

type projectFile struct {
	RootPasswordHash string          `yaml:"root_pwhash"`
	RootSSHKey       string          `yaml:"root_sshkey"`
	Backup           *bool           `yaml:"backup"`
	Busybox          *bool           `yaml:"busybox"`
	SSH              *string         `yaml:"ssh"`
	Features         map[string]bool `yaml:"features"`
	Modules          Modules         `yaml:"modules"`
	Packages         []string        `yaml:"packages"`
	Release          string          `yaml:"release"`
}

// LoadProject reads tarbsd.yml from dir.
func LoadProject(dir string) (*Project, error) {
	path := filepath.Join(dir, ProjectFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Preconditionf("%s not found in %s", ProjectFile, dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read "+ProjectFile)
	}
	return ParseProject(bytes.NewReader(data))
}

// ParseProject decodes a project file. Unknown keys, features and shell
// values are configuration errors.
func ParseProject(r io.Reader) (*Project, error) {
	var raw projectFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, &errors.ConfigurationError{Field: ProjectFile, Reason: err.Error()}
	}

	p := &Project{
		RootPasswordHash: raw.RootPasswordHash,
		RootSSHKey:       raw.RootSSHKey,
		Backup:           raw.Backup == nil || *raw.Backup,
		Busybox:          raw.Busybox == nil || *raw.Busybox,
		Features:         raw.Features,
		Modules:          raw.Modules,
		Packages:         raw.Packages,
	}
	if p.Features == nil {
		p.Features = map[string]bool{}
	}

	if raw.SSH != nil {
		shell, err := feature.ParseShell(*raw.SSH)
		if err != nil {
			return nil, err
		}
		p.Shell = shell
	}

	names := make([]string, 0, len(p.Features))
	for name := range p.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := feature.Lookup(feature.Name(name)); !ok {
			return nil, errors.Configf("features", name, "unknown feature")
		}
	}

	if raw.Release != "" {
		rel, err := release.Parse(raw.Release)
		if err != nil {
			return nil, err
		}
		p.Release = &rel
	}
	return p, nil
}

// FeatureConfig is the part of the project the feature engine composes.
func (p *Project) FeatureConfig() feature.Config {
	return feature.Config{
		Features:     p.Features,
		Packages:     p.Packages,
		EarlyModules: p.Modules.Early,
		LateModules:  p.Modules.Late,
		Busybox:      p.Busybox,
		Shell:        p.Shell,
	}
}

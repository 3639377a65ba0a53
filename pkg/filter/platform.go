package filter

import (
	"strings"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

func init() {
	Register("exclude_platform", newExcludePlatform)
}

// platformTags maps a config-level platform family to the filename tags its
// binary distributions carry. A config value not listed here is used as a
// literal tag, which lets users exclude a single fine-grained platform such
// as "linux_armv7l".
var platformTags = map[string][]string{
	"windows": {"win32", "win_amd64", "win_arm64", "win_ia64"},
	"macos":   {"macosx", "macos"},
	"freebsd": {"freebsd"},
	"linux": {
		"linux_armv6l", "linux_armv7l", "linux_i686", "linux_x86_64",
		"manylinux", "musllinux",
	},
}

// platformPackageTypes maps a platform family to the package types that only
// exist for it.
var platformPackageTypes = map[string][]string{
	"windows": {"bdist_msi", "bdist_wininst"},
	"macos":   {"bdist_dmg"},
}

type excludePlatform struct {
	tags         []string
	packageTypes map[string]bool
}

func (excludePlatform) Name() string { return "exclude_platform" }

// KeepFile drops binary distributions for the excluded platforms. Source
// distributions are never excluded: they're the fallback every platform can
// build from.
func (f excludePlatform) KeepFile(_ *pypi.Package, _ string, file pypi.ReleaseFile) bool {
	if file.PackageType == "sdist" {
		return true
	}
	if f.packageTypes[file.PackageType] {
		return false
	}
	for _, tag := range f.tags {
		if strings.Contains(file.Filename, tag) {
			return false
		}
	}
	return true
}

func newExcludePlatform(cfg config.FilterConfig) (Filters, error) {
	if len(cfg.ExcludePlatforms) == 0 {
		return Filters{}, nil
	}

	f := excludePlatform{packageTypes: map[string]bool{}}
	for _, platform := range cfg.ExcludePlatforms {
		platform = strings.ToLower(strings.TrimSpace(platform))
		if tags, ok := platformTags[platform]; ok {
			f.tags = append(f.tags, tags...)
		} else {
			f.tags = append(f.tags, platform)
		}
		for _, packageType := range platformPackageTypes[platform] {
			f.packageTypes[packageType] = true
		}
	}
	return Filters{File: []ReleaseFileFilter{f}}, nil
}

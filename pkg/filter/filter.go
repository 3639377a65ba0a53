// Package filter decides which projects, releases, and release files are
// admitted into the mirror. Filters of the same kind compose as a logical
// AND: a candidate survives only if every enabled filter keeps it.
package filter

import (
	"fmt"
	"sync"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

// ProjectFilter approves or denies a whole project by name before any
// network fetch. Names are PEP 503 normalized.
type ProjectFilter interface {
	Name() string
	KeepProject(project string) bool
}

// ReleaseFilter decides per version whether a release stays in the package.
type ReleaseFilter interface {
	Name() string
	KeepRelease(pkg *pypi.Package, version string) bool
}

// ReleaseFileFilter decides per file whether a distribution stays in a
// release.
type ReleaseFileFilter interface {
	Name() string
	KeepFile(pkg *pypi.Package, version string, file pypi.ReleaseFile) bool
}

// MetadataFilter accepts or rejects a whole project over its aggregate
// metadata, after the release mapping is otherwise finalized.
type MetadataFilter interface {
	Name() string
	KeepPackage(pkg *pypi.Package) bool
}

// Filters is the set of filter implementations one plugin contributes. A
// plugin may act at several extension points at once: the allowlist, for
// example, filters both projects and releases.
type Filters struct {
	Project  []ProjectFilter
	Release  []ReleaseFilter
	File     []ReleaseFileFilter
	Metadata []MetadataFilter
}

// Builder constructs a plugin's filters from the filter configuration.
type Builder func(cfg config.FilterConfig) (Filters, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Builder{}
)

// Register adds a filter plugin under the given name. Built-in plugins
// register themselves at init time.
func Register(name string, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("filter plugin %q registered twice", name))
	}
	registry[name] = builder
}

// Set is the composed filter pipeline for one run. It carries no mutable
// state, so one Set is safely shared by all workers.
type Set struct {
	project  []ProjectFilter
	release  []ReleaseFilter
	file     []ReleaseFileFilter
	metadata []MetadataFilter
}

// NewSet builds the pipeline from the plugins enabled in the configuration.
func NewSet(cfg config.FilterConfig) (*Set, error) {
	set := &Set{}
	for _, name := range cfg.Enabled {
		registryMu.Lock()
		builder, ok := registry[name]
		registryMu.Unlock()
		if !ok {
			return nil, errors.NewFriendlyError("Unknown filter plugin %q.", name)
		}

		filters, err := builder(cfg)
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("configure filter %q", name))
		}
		set.project = append(set.project, filters.Project...)
		set.release = append(set.release, filters.Release...)
		set.file = append(set.file, filters.File...)
		set.metadata = append(set.metadata, filters.Metadata...)
	}
	return set, nil
}

// KeepProject reports whether every project filter admits the project.
func (s *Set) KeepProject(project string) bool {
	normalized := pypi.NormalizeName(project)
	for _, f := range s.project {
		if !f.KeepProject(normalized) {
			return false
		}
	}
	return true
}

// Apply runs the release, release-file, and metadata stages over the
// package's release mapping, in that order. It reports whether the package
// survived the metadata stage; a false return means the whole project is
// filtered out for this run.
func (s *Set) Apply(pkg *pypi.Package) bool {
	// Evaluate every version against the unmodified release mapping before
	// mutating it, so filters that consider the whole mapping (such as
	// latest-N retention) see a consistent snapshot.
	keep := map[string]bool{}
	for version := range pkg.Metadata.Releases {
		keep[version] = s.keepRelease(pkg, version)
	}
	for version, kept := range keep {
		if !kept {
			delete(pkg.Metadata.Releases, version)
		}
	}

	for version, files := range pkg.Metadata.Releases {
		kept := files[:0]
		for _, file := range files {
			if s.keepFile(pkg, version, file) {
				kept = append(kept, file)
			}
		}
		if len(kept) == 0 {
			// A version with no remaining files is dropped entirely.
			delete(pkg.Metadata.Releases, version)
			continue
		}
		pkg.Metadata.Releases[version] = kept
	}

	for _, f := range s.metadata {
		if !f.KeepPackage(pkg) {
			return false
		}
	}
	return true
}

func (s *Set) keepRelease(pkg *pypi.Package, version string) bool {
	for _, f := range s.release {
		if !f.KeepRelease(pkg, version) {
			return false
		}
	}
	return true
}

func (s *Set) keepFile(pkg *pypi.Package, version string, file pypi.ReleaseFile) bool {
	for _, f := range s.file {
		if !f.KeepFile(pkg, version, file) {
			return false
		}
	}
	return true
}

package mirror

import (
	"strings"

	"github.com/pypimirror/pypimirror/pkg/pypi"
)

// Replica-relative paths of the mirror's durable state and the public web
// tree.
const (
	statusPath       = "status"
	generationPath   = "generation"
	todoPath         = "todo"
	lockPath         = ".lock"
	lastModifiedPath = "web/last-modified"

	simpleDir     = "web/simple"
	jsonDir       = "web/json"
	legacyJSONDir = "web/pypi"
	packagesDir   = "web/packages"
)

// simpleProjectDir returns the simple directory for a project name variant.
// With hash indexing enabled, directories are bucketed by the name's first
// character so no single directory grows unboundedly.
func (m *Mirror) simpleProjectDir(name string) string {
	if m.cfg.HashIndex {
		return simpleDir + "/" + name[:1] + "/" + name
	}
	return simpleDir + "/" + name
}

// simpleProjectDirs returns every simple directory a package publishes
// under: the canonical name, plus the legacy and raw spellings where they
// differ.
func (m *Mirror) simpleProjectDirs(pkg *pypi.Package) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, name := range []string{pkg.Name, pkg.LegacyName, pkg.RawName} {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		dirs = append(dirs, m.simpleProjectDir(name))
	}
	return dirs
}

// relativeRoot returns the path prefix from a directory back up to the web
// root, used to make page hrefs relative.
func relativeRoot(dir string) string {
	depth := strings.Count(strings.TrimPrefix(dir, "web/"), "/") + 1
	parts := make([]string, depth)
	for i := range parts {
		parts[i] = ".."
	}
	return strings.Join(parts, "/")
}

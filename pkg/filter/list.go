package filter

import (
	"strings"

	version "github.com/hashicorp/go-version"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

func init() {
	Register("allowlist", newAllowlist)
	Register("blocklist", newBlocklist)
}

// listEntry is one parsed allowlist/blocklist line. A bare name has nil
// constraints and acts at the project level; a specifier line acts at the
// release level.
type listEntry struct {
	name        string
	constraints version.Constraints
}

// specifier operators, longest first so "==" doesn't shadow "===".
var specifierOps = []string{"===", "==", "~=", "!=", "<=", ">=", "<", ">"}

// parseListEntries parses allowlist/blocklist lines. Lines starting with "#"
// and inline "#" comments are ignored, and matching is case-insensitive over
// normalized names.
func parseListEntries(lines []string) ([]listEntry, error) {
	var entries []listEntry
	for _, line := range lines {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		specStart := len(line)
		for _, op := range specifierOps {
			if idx := strings.Index(line, op); idx >= 0 && idx < specStart {
				specStart = idx
			}
		}

		name := pypi.NormalizeName(strings.TrimSpace(line[:specStart]))
		entry := listEntry{name: name}
		if specStart < len(line) {
			constraints, err := parseSpecifier(line[specStart:])
			if err != nil {
				return nil, errors.WithContext(err, "parse specifier line "+line)
			}
			entry.constraints = constraints
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseSpecifier translates a PEP 440 style specifier ("==1.2.3",
// "~=3.0,<=3.5") into go-version constraints.
func parseSpecifier(spec string) (version.Constraints, error) {
	clauses := strings.Split(spec, ",")
	translated := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "==="):
			translated = append(translated, "= "+strings.TrimSpace(clause[3:]))
		case strings.HasPrefix(clause, "=="):
			rest := strings.TrimSpace(clause[2:])
			// "==1.2.*" is a prefix match, which maps onto the
			// pessimistic operator.
			if strings.HasSuffix(rest, ".*") {
				translated = append(translated, "~> "+strings.TrimSuffix(rest, ".*"))
			} else {
				translated = append(translated, "= "+rest)
			}
		case strings.HasPrefix(clause, "~="):
			translated = append(translated, "~> "+strings.TrimSpace(clause[2:]))
		default:
			translated = append(translated, clause)
		}
	}
	return version.NewConstraint(strings.Join(translated, ", "))
}

type allowlistProject struct {
	allowed map[string]bool
}

func (f allowlistProject) Name() string { return "allowlist" }

func (f allowlistProject) KeepProject(project string) bool {
	return f.allowed[project]
}

type allowlistRelease struct {
	entries []listEntry
}

func (f allowlistRelease) Name() string { return "allowlist" }

// KeepRelease keeps a version only if it satisfies every specifier line for
// its project. Versions that don't parse can't satisfy a specifier and are
// dropped when one applies.
func (f allowlistRelease) KeepRelease(pkg *pypi.Package, release string) bool {
	parsed, parseErr := version.NewVersion(release)
	for _, entry := range f.entries {
		if entry.name != pkg.Name || entry.constraints == nil {
			continue
		}
		if parseErr != nil || !entry.constraints.Check(parsed) {
			return false
		}
	}
	return true
}

// newAllowlist builds the allowlist plugin: bare names admit whole projects,
// specifier lines restrict which releases of those projects are kept.
func newAllowlist(cfg config.FilterConfig) (Filters, error) {
	entries, err := parseListEntries(cfg.Allowlist)
	if err != nil {
		return Filters{}, err
	}
	if len(entries) == 0 {
		return Filters{}, nil
	}

	allowed := map[string]bool{}
	for _, entry := range entries {
		allowed[entry.name] = true
	}

	return Filters{
		Project: []ProjectFilter{allowlistProject{allowed: allowed}},
		Release: []ReleaseFilter{allowlistRelease{entries: entries}},
	}, nil
}

type blocklistProject struct {
	denied map[string]bool
}

func (f blocklistProject) Name() string { return "blocklist" }

func (f blocklistProject) KeepProject(project string) bool {
	return !f.denied[project]
}

type blocklistRelease struct {
	entries []listEntry
}

func (f blocklistRelease) Name() string { return "blocklist" }

// KeepRelease drops a version that satisfies any blocklist specifier for its
// project.
func (f blocklistRelease) KeepRelease(pkg *pypi.Package, release string) bool {
	parsed, parseErr := version.NewVersion(release)
	if parseErr != nil {
		return true
	}
	for _, entry := range f.entries {
		if entry.name != pkg.Name || entry.constraints == nil {
			continue
		}
		if entry.constraints.Check(parsed) {
			return false
		}
	}
	return true
}

// newBlocklist builds the blocklist plugin: bare names deny whole projects,
// specifier lines deny individual releases.
func newBlocklist(cfg config.FilterConfig) (Filters, error) {
	entries, err := parseListEntries(cfg.Blocklist)
	if err != nil {
		return Filters{}, err
	}

	denied := map[string]bool{}
	var releaseEntries []listEntry
	for _, entry := range entries {
		if entry.constraints == nil {
			denied[entry.name] = true
		} else {
			releaseEntries = append(releaseEntries, entry)
		}
	}

	return Filters{
		Project: []ProjectFilter{blocklistProject{denied: denied}},
		Release: []ReleaseFilter{blocklistRelease{entries: releaseEntries}},
	}, nil
}

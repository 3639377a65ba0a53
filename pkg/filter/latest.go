package filter

import (
	"sort"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

func init() {
	Register("latest_release", newLatestRelease)
}

// latestRelease keeps only the N most recent versions of each project. The
// retained set is recomputed from the package on every call, so one instance
// is safely shared across all projects in a run.
type latestRelease struct {
	count  int
	byDate bool
}

func (latestRelease) Name() string { return "latest_release" }

func (f latestRelease) KeepRelease(pkg *pypi.Package, release string) bool {
	return f.retained(pkg)[release]
}

// retained returns the versions that survive: the N most recent, plus the
// version the metadata flags as the project's stable release even when it
// falls outside that window.
func (f latestRelease) retained(pkg *pypi.Package) map[string]bool {
	versions := make([]string, 0, len(pkg.Metadata.Releases))
	for v := range pkg.Metadata.Releases {
		versions = append(versions, v)
	}

	keep := map[string]bool{}
	if len(versions) <= f.count {
		for _, v := range versions {
			keep[v] = true
		}
		return keep
	}

	if f.byDate {
		f.sortByUploadTime(pkg, versions)
	} else {
		sortByVersion(versions)
	}

	for _, v := range versions[len(versions)-f.count:] {
		keep[v] = true
	}
	if stable := pkg.StableVersion(); stable != "" {
		if _, ok := pkg.Metadata.Releases[stable]; ok {
			keep[stable] = true
		}
	}
	return keep
}

// sortByVersion orders version strings ascending by parsed version.
// Unparseable versions sort before parseable ones, so they're the first to
// fall out of the retained window.
func sortByVersion(versions []string) {
	parsed := map[string]*version.Version{}
	for _, v := range versions {
		if p, err := version.NewVersion(v); err == nil {
			parsed[v] = p
		}
	}

	sort.SliceStable(versions, func(i, j int) bool {
		a, aOk := parsed[versions[i]]
		b, bOk := parsed[versions[j]]
		switch {
		case aOk && bOk:
			return a.LessThan(b)
		case !aOk && bOk:
			return true
		case aOk && !bOk:
			return false
		default:
			return versions[i] < versions[j]
		}
	})
}

func (latestRelease) sortByUploadTime(pkg *pypi.Package, versions []string) {
	uploaded := func(v string) time.Time {
		var latest time.Time
		for _, file := range pkg.Metadata.Releases[v] {
			if file.UploadTime.After(latest) {
				latest = file.UploadTime
			}
		}
		return latest
	}

	sort.SliceStable(versions, func(i, j int) bool {
		return uploaded(versions[i]).Before(uploaded(versions[j]))
	})
}

func newLatestRelease(cfg config.FilterConfig) (Filters, error) {
	if cfg.LatestReleases <= 0 {
		return Filters{}, nil
	}
	return Filters{Release: []ReleaseFilter{latestRelease{
		count:  cfg.LatestReleases,
		byDate: cfg.LatestByDate,
	}}}, nil
}

package filter

import (
	"regexp"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

func init() {
	Register("prerelease", newPrerelease)
}

// prereleasePatterns match the conventional pre-release suffixes: release
// candidates, alphas, betas, and dev builds.
var prereleasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`.+rc\d+$`),
	regexp.MustCompile(`.+a(lpha)?\d+$`),
	regexp.MustCompile(`.+b(eta)?\d+$`),
	regexp.MustCompile(`.+dev\d+$`),
}

type prerelease struct{}

func (prerelease) Name() string { return "prerelease" }

func (prerelease) KeepRelease(_ *pypi.Package, release string) bool {
	return !anyMatch(prereleasePatterns, release)
}

func newPrerelease(config.FilterConfig) (Filters, error) {
	return Filters{Release: []ReleaseFilter{prerelease{}}}, nil
}

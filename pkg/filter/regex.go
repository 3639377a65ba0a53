package filter

import (
	"regexp"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

func init() {
	Register("regex_project", newRegexProject(false))
	Register("regex_project_allow", newRegexProject(true))
	Register("regex_release", newRegexRelease(false))
	Register("regex_release_allow", newRegexRelease(true))
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.WithContext(err, "compile pattern "+pattern)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// regexProject denies (or, inverted, exclusively allows) projects whose name
// matches any configured pattern.
type regexProject struct {
	patterns []*regexp.Regexp
	allow    bool
}

func (f regexProject) Name() string {
	if f.allow {
		return "regex_project_allow"
	}
	return "regex_project"
}

func (f regexProject) KeepProject(project string) bool {
	return anyMatch(f.patterns, project) == f.allow
}

func newRegexProject(allow bool) Builder {
	return func(cfg config.FilterConfig) (Filters, error) {
		patterns, err := compilePatterns(cfg.ProjectPatterns)
		if err != nil {
			return Filters{}, err
		}
		if len(patterns) == 0 {
			return Filters{}, nil
		}
		return Filters{
			Project: []ProjectFilter{regexProject{patterns: patterns, allow: allow}},
		}, nil
	}
}

// regexRelease denies (or, inverted, exclusively allows) release versions
// matching any configured pattern.
type regexRelease struct {
	patterns []*regexp.Regexp
	allow    bool
}

func (f regexRelease) Name() string {
	if f.allow {
		return "regex_release_allow"
	}
	return "regex_release"
}

func (f regexRelease) KeepRelease(_ *pypi.Package, release string) bool {
	return anyMatch(f.patterns, release) == f.allow
}

func newRegexRelease(allow bool) Builder {
	return func(cfg config.FilterConfig) (Filters, error) {
		patterns, err := compilePatterns(cfg.ReleasePatterns)
		if err != nil {
			return Filters{}, err
		}
		if len(patterns) == 0 {
			return Filters{}, nil
		}
		return Filters{
			Release: []ReleaseFilter{regexRelease{patterns: patterns, allow: allow}},
		}, nil
	}
}

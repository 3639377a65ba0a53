package pypi

import (
	"regexp"
	"strings"
)

var (
	canonicalRegex = regexp.MustCompile(`[-_.]+`)
	legacyRegex    = regexp.MustCompile(`[^A-Za-z0-9.]+`)
)

// NormalizeName returns the PEP 503 canonical form of a project name: runs of
// dashes, underscores, and dots collapse to a single dash, and the result is
// lowercased. All index directories are keyed by this form.
func NormalizeName(name string) string {
	return strings.ToLower(canonicalRegex.ReplaceAllString(name, "-"))
}

// LegacyNormalizeName returns the historical "safe name" form that older
// clients requested pages under: runs of characters outside [A-Za-z0-9.]
// become a single dash, with case preserved.
func LegacyNormalizeName(name string) string {
	return legacyRegex.ReplaceAllString(name, "-")
}

package filter

import (
	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

func init() {
	Register("size_project_metadata", newSizeLimit)
}

// sizeLimit rejects projects whose summed release file size exceeds the cap,
// unless the project is explicitly allowlisted.
type sizeLimit struct {
	max     int64
	allowed map[string]bool
}

func (sizeLimit) Name() string { return "size_project_metadata" }

func (f sizeLimit) KeepPackage(pkg *pypi.Package) bool {
	if f.allowed[pkg.Name] {
		return true
	}
	return pkg.TotalSize() <= f.max
}

func newSizeLimit(cfg config.FilterConfig) (Filters, error) {
	if cfg.MaxPackageSize <= 0 {
		return Filters{}, nil
	}

	entries, err := parseListEntries(cfg.Allowlist)
	if err != nil {
		return Filters{}, err
	}
	allowed := map[string]bool{}
	for _, entry := range entries {
		allowed[entry.name] = true
	}

	return Filters{Metadata: []MetadataFilter{sizeLimit{
		max:     cfg.MaxPackageSize,
		allowed: allowed,
	}}}, nil
}

package pypi

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pypimirror/pypimirror/pkg/errors"
)

// ReleaseFile is one distribution file within a release, as described by the
// upstream project metadata.
type ReleaseFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Size           int64             `json:"size"`
	Digests        map[string]string `json:"digests"`
	RequiresPython string            `json:"requires_python,omitempty"`
	Yanked         bool              `json:"yanked,omitempty"`
	YankedReason   string            `json:"yanked_reason,omitempty"`
	PackageType    string            `json:"packagetype"`
	UploadTime     time.Time         `json:"upload_time_iso_8601,omitempty"`
}

// Digest returns the file's hex digest for the given algorithm, or "" if the
// upstream didn't declare one.
func (f ReleaseFile) Digest(algorithm string) string {
	return f.Digests[algorithm]
}

// Metadata is the upstream per-project JSON document.
type Metadata struct {
	Info       map[string]interface{}   `json:"info"`
	LastSerial int64                    `json:"last_serial"`
	Releases   map[string][]ReleaseFile `json:"releases"`
}

// Package is one project's state for a single sync run. Instances are created
// per run and discarded afterwards.
type Package struct {
	// RawName is the project name exactly as the upstream reported it. It may
	// be unnormalized.
	RawName string

	// Name is the PEP 503 canonical form of RawName.
	Name string

	// LegacyName is the historical safe-name form of RawName. When it differs
	// from Name, pages are duplicated under it for old clients.
	LegacyName string

	// Serial is the changelog serial this package should be synced at.
	Serial int64

	Metadata Metadata
}

// NewPackage returns a Package for the given raw name and target serial.
func NewPackage(rawName string, serial int64) *Package {
	return &Package{
		RawName:    rawName,
		Name:       NormalizeName(rawName),
		LegacyName: LegacyNormalizeName(rawName),
		Serial:     serial,
	}
}

// ParseMetadata decodes an upstream per-project JSON document.
func ParseMetadata(raw []byte) (Metadata, error) {
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, errors.WithContext(err, "decode metadata")
	}
	if metadata.Info == nil {
		return Metadata{}, errors.New("metadata has no info section")
	}
	return metadata, nil
}

// StableVersion returns the version the upstream flags as the project's
// current release, or "" if the metadata doesn't carry one.
func (pkg *Package) StableVersion() string {
	version, _ := pkg.Metadata.Info["version"].(string)
	return version
}

// Versions returns the package's release versions in sorted order.
func (pkg *Package) Versions() []string {
	versions := make([]string, 0, len(pkg.Metadata.Releases))
	for version := range pkg.Metadata.Releases {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions
}

// ReleaseFiles returns the files referenced across all of the package's
// versions, deduplicated by URL. The same file can appear under multiple
// versions, but it should only be downloaded once.
func (pkg *Package) ReleaseFiles() []ReleaseFile {
	seen := map[string]bool{}
	var files []ReleaseFile
	for _, version := range pkg.Versions() {
		for _, f := range pkg.Metadata.Releases[version] {
			if seen[f.URL] {
				continue
			}
			seen[f.URL] = true
			files = append(files, f)
		}
	}
	return files
}

// TotalSize returns the summed size of all deduplicated release files.
func (pkg *Package) TotalSize() int64 {
	var total int64
	for _, f := range pkg.ReleaseFiles() {
		total += f.Size
	}
	return total
}

// Empty returns whether the package has no releases left, for example because
// the filter pipeline removed all of them.
func (pkg *Package) Empty() bool {
	return len(pkg.Metadata.Releases) == 0
}

// Package index renders the replica's public file-based API: per-project
// simple pages in HTML and JSON, and the global project listing.
package index

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/pypimirror/pypimirror/pkg/pypi"
)

// RepositoryVersion is the simple-API version the pages declare.
const RepositoryVersion = "1.0"

// Options control how download hrefs are rendered.
type Options struct {
	// DigestName selects the digest used in href fragments and JSON
	// hashes.
	DigestName string

	// RootURI, when set, makes hrefs absolute: RootURI + "/packages/...".
	RootURI string

	// RelativeRoot is the prefix from the page's directory back up to the
	// web root, e.g. "../.." for simple/<project>/. Ignored when RootURI
	// is set.
	RelativeRoot string
}

// FileHref returns the download href for a file, including the digest
// fragment clients use for verification.
func (opts Options) FileHref(file pypi.ReleaseFile) string {
	blobPath, err := pypi.BlobPath(file.URL)
	if err != nil {
		// An unparseable URL can only be served verbatim.
		blobPath = file.URL
	}
	relative := strings.TrimPrefix(blobPath, "web/")

	var href string
	if opts.RootURI != "" {
		href = strings.TrimSuffix(opts.RootURI, "/") + "/" + relative
	} else {
		href = opts.RelativeRoot + "/" + relative
	}

	if digest := file.Digest(opts.DigestName); digest != "" {
		href += fmt.Sprintf("#%s=%s", opts.DigestName, digest)
	}
	return href
}

// sortedFiles returns the package's deduplicated files ordered by filename
// so page content is deterministic.
func sortedFiles(pkg *pypi.Package) []pypi.ReleaseFile {
	files := pkg.ReleaseFiles()
	sort.Slice(files, func(i, j int) bool {
		return files[i].Filename < files[j].Filename
	})
	return files
}

// ProjectHTML renders the per-project simple page. The trailing serial
// comment is a cache-debugging aid recording the serial the page was
// generated at.
func ProjectHTML(pkg *pypi.Package, opts Options) []byte {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n")
	fmt.Fprintf(&b, "    <meta name=\"pypi:repository-version\" content=%q>\n",
		RepositoryVersion)
	fmt.Fprintf(&b, "    <title>Links for %s</title>\n", html.EscapeString(pkg.RawName))
	b.WriteString("  </head>\n  <body>\n")
	fmt.Fprintf(&b, "    <h1>Links for %s</h1>\n", html.EscapeString(pkg.RawName))

	for _, file := range sortedFiles(pkg) {
		fmt.Fprintf(&b, "    <a href=%q", opts.FileHref(file))
		if file.RequiresPython != "" {
			fmt.Fprintf(&b, " data-requires-python=%q",
				html.EscapeString(file.RequiresPython))
		}
		if file.Yanked {
			fmt.Fprintf(&b, " data-yanked=%q", html.EscapeString(file.YankedReason))
		}
		fmt.Fprintf(&b, ">%s</a><br/>\n", html.EscapeString(file.Filename))
	}

	b.WriteString("  </body>\n</html>\n")
	fmt.Fprintf(&b, "<!--SERIAL %d-->", pkg.Serial)
	return []byte(b.String())
}

type jsonMeta struct {
	APIVersion string `json:"api-version"`
	LastSerial int64  `json:"_last-serial"`
}

type jsonFile struct {
	Filename       string            `json:"filename"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python,omitempty"`
	Size           int64             `json:"size"`
	UploadTime     string            `json:"upload-time,omitempty"`
	URL            string            `json:"url"`
	Yanked         interface{}       `json:"yanked"`
}

type jsonProject struct {
	Meta     jsonMeta   `json:"meta"`
	Name     string     `json:"name"`
	Files    []jsonFile `json:"files"`
	Versions []string   `json:"versions"`
}

// ProjectJSON renders the PEP 691 representation of the same page state as
// ProjectHTML.
func ProjectJSON(pkg *pypi.Package, opts Options) ([]byte, error) {
	project := jsonProject{
		Meta:     jsonMeta{APIVersion: RepositoryVersion, LastSerial: pkg.Serial},
		Name:     pkg.Name,
		Files:    []jsonFile{},
		Versions: pkg.Versions(),
	}

	for _, file := range sortedFiles(pkg) {
		entry := jsonFile{
			Filename:       file.Filename,
			Hashes:         map[string]string{},
			RequiresPython: file.RequiresPython,
			Size:           file.Size,
			URL:            opts.FileHref(file),
			Yanked:         false,
		}
		if digest := file.Digest(opts.DigestName); digest != "" {
			entry.Hashes[opts.DigestName] = digest
		}
		if !file.UploadTime.IsZero() {
			entry.UploadTime = file.UploadTime.UTC().Format(time.RFC3339)
		}
		if file.Yanked {
			if file.YankedReason != "" {
				entry.Yanked = file.YankedReason
			} else {
				entry.Yanked = true
			}
		}
		project.Files = append(project.Files, entry)
	}
	return json.Marshal(project)
}

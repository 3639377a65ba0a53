package pypi

import (
	"net/url"
	"strings"

	"github.com/pypimirror/pypimirror/pkg/errors"
)

// BlobPath maps an upstream download URL onto the replica-relative path the
// file is stored under. Upstream URLs carry a hash-bucketed path below
// /packages/, which is reused verbatim so the mirror's layout matches the
// upstream's.
func BlobPath(fileURL string) (string, error) {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return "", errors.WithContext(err, "parse file url")
	}

	path := parsed.Path
	if idx := strings.Index(path, "/packages/"); idx >= 0 {
		return "web" + path[idx:], nil
	}
	return "web/packages/" + strings.TrimPrefix(path, "/"), nil
}

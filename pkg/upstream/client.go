// Package upstream consumes the package index's remote API: the full project
// listing, the changelog feed, per-project metadata, and file downloads.
package upstream

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kolo/xmlrpc"

	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

// serialHeader is the response header carrying the serial the upstream
// rendered the response at.
const serialHeader = "X-PyPI-Last-Serial"

// userAgent identifies the mirror to the upstream.
const userAgent = "pypimirror/1.0"

// Client is the upstream protocol surface the engine depends on.
type Client interface {
	// AllPackages lists every project the upstream knows, mapped to its
	// latest serial.
	AllPackages(ctx context.Context) (map[string]int64, error)

	// ChangedPackages collapses the changelog since the given serial into
	// a map of project name to the latest serial mentioning it, plus the
	// highest serial seen in the delta.
	ChangedPackages(ctx context.Context, since int64) (map[string]int64, int64, error)

	// Package fetches a project's metadata, requiring the response to be at
	// least as new as serial. A lagging upstream yields errors.StaleSerial;
	// a removed project yields errors.PackageNotFound.
	Package(ctx context.Context, name string, serial int64) (pypi.Metadata, error)

	// DownloadFile streams the file at url into w and returns the number of
	// bytes written.
	DownloadFile(ctx context.Context, url string, w io.Writer) (int64, error)
}

// HTTPClient talks to a real upstream over its JSON API and XML-RPC
// changelog endpoint.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	rpc     *xmlrpc.Client
}

// NewHTTPClient returns a client for the upstream at baseURL. The timeout
// bounds each individual request.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	rpc, err := xmlrpc.NewClient(baseURL+"/pypi", nil)
	if err != nil {
		return nil, errors.WithContext(err, "create changelog client")
	}

	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		rpc:     rpc,
	}, nil
}

// AllPackages implements Client.
func (c *HTTPClient) AllPackages(_ context.Context) (map[string]int64, error) {
	var raw map[string]interface{}
	if err := c.rpc.Call("list_packages_with_serial", nil, &raw); err != nil {
		return nil, errors.WithContext(err, "list packages")
	}

	packages := make(map[string]int64, len(raw))
	for name, serial := range raw {
		switch s := serial.(type) {
		case int64:
			packages[name] = s
		case int:
			packages[name] = int64(s)
		default:
			return nil, errors.Errorf("unexpected serial type %T for %q", serial, name)
		}
	}
	return packages, nil
}

// ChangedPackages implements Client.
func (c *HTTPClient) ChangedPackages(_ context.Context, since int64) (map[string]int64, int64, error) {
	var events [][]interface{}
	if err := c.rpc.Call("changelog_since_serial", since, &events); err != nil {
		return nil, 0, errors.WithContext(err, "fetch changelog")
	}

	// Each changelog event is (name, version, timestamp, action, serial).
	// Only the name and serial matter for deciding what to sync.
	changed := map[string]int64{}
	target := since
	for _, event := range events {
		if len(event) < 5 {
			return nil, 0, errors.Errorf("malformed changelog event of length %d", len(event))
		}
		name, nameOk := event[0].(string)
		serial, serialOk := event[4].(int64)
		if !nameOk || !serialOk {
			return nil, 0, errors.Errorf("malformed changelog event %v", event)
		}

		if serial > changed[name] {
			changed[name] = serial
		}
		if serial > target {
			target = serial
		}
	}
	return changed, target, nil
}

// Package implements Client.
func (c *HTTPClient) Package(ctx context.Context, name string, serial int64) (pypi.Metadata, error) {
	url := fmt.Sprintf("%s/pypi/%s/json", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pypi.Metadata{}, errors.WithContext(err, "create request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return pypi.Metadata{}, errors.WithContext(err, "fetch metadata")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return pypi.Metadata{}, errors.PackageNotFound{Package: name}
	default:
		return pypi.Metadata{}, errors.Errorf("fetch metadata: unexpected status %s", resp.Status)
	}

	// The upstream's caches may serve a response older than the changelog
	// event that triggered this sync. Surface that as a retryable error.
	if header := resp.Header.Get(serialHeader); header != "" {
		got, err := strconv.ParseInt(header, 10, 64)
		if err != nil {
			return pypi.Metadata{}, errors.WithContext(err, "parse serial header")
		}
		if got < serial {
			return pypi.Metadata{}, errors.StaleSerial{
				Package:  name,
				Expected: serial,
				Got:      got,
			}
		}
	}

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return pypi.Metadata{}, errors.WithContext(err, "read metadata")
	}
	return pypi.ParseMetadata(raw)
}

// DownloadFile implements Client.
func (c *HTTPClient) DownloadFile(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.WithContext(err, "create request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.WithContext(err, "download")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	return io.Copy(w, resp.Body)
}

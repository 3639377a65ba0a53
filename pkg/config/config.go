package config

import (
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/pypimirror/pypimirror/pkg/errors"
)

const (
	// InitialConfigVersion is the first version of the mirror config.
	// Config files that do not specify a version default to this version.
	InitialConfigVersion = "v1"

	// SupportedConfigVersion is the config version supported by the current
	// binary.
	SupportedConfigVersion = "v1"

	// DefaultWorkers is the number of concurrent package syncs when the
	// config doesn't specify one.
	DefaultWorkers = 3

	// MaxWorkers bounds the number of concurrent package syncs. The limit
	// exists to cap outbound connections and file descriptors, not CPU.
	MaxWorkers = 10

	// DefaultUpstream is the package index we mirror by default.
	DefaultUpstream = "https://pypi.org"
)

// Simple page format choices.
const (
	SimpleFormatHTML = "html"
	SimpleFormatJSON = "json"
	SimpleFormatAll  = "all"
)

// File comparison strategies for deciding whether a blob needs re-downloading.
const (
	CompareHash = "hash"
	CompareStat = "stat"
)

// Config describes one mirror. It is constructed once at startup and passed
// explicitly to the engine, storage, and filters.
type Config struct {
	Version string `json:"version,omitempty"`

	// Directory is the root of the mirror replica.
	Directory string `json:"directory"`

	// Upstream is the base URL of the package index being mirrored.
	Upstream string `json:"upstream,omitempty"`

	// Workers is the number of packages synced concurrently (1..MaxWorkers).
	Workers int `json:"workers,omitempty"`

	// Timeout bounds individual upstream requests. GlobalTimeout bounds the
	// whole sync run.
	TimeoutSeconds       int `json:"timeout,omitempty"`
	GlobalTimeoutSeconds int `json:"global-timeout,omitempty"`

	// DigestName selects the digest used for verification and page
	// fragments. Either "sha256" or "md5".
	DigestName string `json:"digest-name,omitempty"`

	// SimpleFormat selects which index page representations are written.
	SimpleFormat string `json:"simple-format,omitempty"`

	// CompareMethod decides how existing blobs are checked against upstream
	// metadata: "hash" re-hashes contents, "stat" only compares sizes.
	CompareMethod string `json:"compare-method,omitempty"`

	// HashIndex buckets simple directories by the first character of the
	// normalized name, for filesystems that struggle with huge directories.
	HashIndex bool `json:"hash-index,omitempty"`

	// KeepIndexVersions archives the previous N copies of each simple page
	// when greater than zero.
	KeepIndexVersions int `json:"keep-index-versions,omitempty"`

	// StopOnError aborts the run as soon as a package fails. In-flight
	// packages finish their current work, but no new work starts.
	StopOnError bool `json:"stop-on-error,omitempty"`

	// RootURI makes download hrefs on simple pages absolute instead of
	// relative.
	RootURI string `json:"root-uri,omitempty"`

	Storage StorageConfig `json:"storage,omitempty"`
	Filters FilterConfig  `json:"filters,omitempty"`
}

func (c Config) getVersion() string {
	return c.Version
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GlobalTimeout returns the whole-run timeout, or zero when unbounded.
func (c Config) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutSeconds) * time.Second
}

// StorageConfig selects and parameterizes the storage backend. Backends pick
// out the fields they need.
type StorageConfig struct {
	// Backend is the registry key of the storage plugin ("filesystem", "s3",
	// or "swift"). Defaults to "filesystem".
	Backend string `json:"backend,omitempty"`

	// Directory is the replica root. Filled in from Config.Directory.
	Directory string `json:"-"`

	// S3 settings.
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access-key,omitempty"`
	SecretKey string `json:"secret-key,omitempty"`

	// Swift settings.
	Container string `json:"container,omitempty"`
	AuthURL   string `json:"auth-url,omitempty"`
	UserName  string `json:"user-name,omitempty"`
	APIKey    string `json:"api-key,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
}

// FilterConfig enables filter plugins by name and carries their settings.
type FilterConfig struct {
	// Enabled lists the filter plugin names to run.
	Enabled []string `json:"enabled,omitempty"`

	// Allowlist and Blocklist entries are either bare project names or
	// PEP 440 style specifier lines such as "foo==1.2.3". Lines starting
	// with "#" and inline "#" comments are ignored.
	Allowlist []string `json:"allowlist,omitempty"`
	Blocklist []string `json:"blocklist,omitempty"`

	// Regex patterns for the regex project/release filters.
	ProjectPatterns []string `json:"project-patterns,omitempty"`
	ReleasePatterns []string `json:"release-patterns,omitempty"`

	// ExcludePlatforms names platform families whose binary distributions
	// are dropped, e.g. "windows" or "macos".
	ExcludePlatforms []string `json:"exclude-platforms,omitempty"`

	// LatestReleases keeps only the N most recent versions per project.
	// When LatestByDate is set, recency is by upload time instead of by
	// parsed version order.
	LatestReleases int  `json:"latest-releases,omitempty"`
	LatestByDate   bool `json:"latest-by-date,omitempty"`

	// MaxPackageSize rejects projects whose summed release file size
	// exceeds this many bytes, unless the project is allowlisted.
	MaxPackageSize int64 `json:"max-package-size,omitempty"`
}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// Parse loads, validates, and defaults the mirror config at the given path.
func Parse(path string) (Config, error) {
	config := Config{Version: InitialConfigVersion}
	if err := parseConfig(path, &config, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Config{}, errors.NewFriendlyError("The mirror config file "+
				"doesn't exist at %q. Create one with at least the `directory` "+
				"field set.", path)
		}
		return Config{}, errors.WithContext(err, "parse")
	}

	if config.Directory == "" {
		return Config{}, errors.NewFriendlyError(
			"The config file %q doesn't set `directory`. The mirror needs to "+
				"know where to store the replica.", path)
	}

	directory, err := homedirExpand(config.Directory)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand mirror directory")
	}
	config.Directory = directory

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream == "" {
		c.Upstream = DefaultUpstream
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
	if c.DigestName == "" {
		c.DigestName = "sha256"
	}
	if c.SimpleFormat == "" {
		c.SimpleFormat = SimpleFormatAll
	}
	if c.CompareMethod == "" {
		c.CompareMethod = CompareHash
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "filesystem"
	}
	c.Storage.Directory = c.Directory
}

func (c Config) validate() error {
	if c.Workers < 1 || c.Workers > MaxWorkers {
		return errors.NewFriendlyError(
			"`workers` must be between 1 and %d, but is %d.",
			MaxWorkers, c.Workers)
	}

	switch c.DigestName {
	case "sha256", "md5":
	default:
		return errors.NewFriendlyError(
			"`digest-name` must be \"sha256\" or \"md5\", but is %q.", c.DigestName)
	}

	switch c.SimpleFormat {
	case SimpleFormatHTML, SimpleFormatJSON, SimpleFormatAll:
	default:
		return errors.NewFriendlyError(
			"`simple-format` must be \"html\", \"json\", or \"all\", but is %q.",
			c.SimpleFormat)
	}

	switch c.CompareMethod {
	case CompareHash, CompareStat:
	default:
		return errors.NewFriendlyError(
			"`compare-method` must be \"hash\" or \"stat\", but is %q.",
			c.CompareMethod)
	}

	if c.KeepIndexVersions < 0 {
		return errors.NewFriendlyError(
			"`keep-index-versions` must not be negative, but is %d.",
			c.KeepIndexVersions)
	}
	return nil
}

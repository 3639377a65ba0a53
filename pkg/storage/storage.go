package storage

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
)

// A Backend stores the mirror replica. All paths are relative to the replica
// root and use forward slashes regardless of backend.
//
// The write operations carry the atomicity contract the engine relies on: a
// concurrent reader of a path being rewritten sees either the old content or
// the complete new content, never a partial write.
type Backend interface {
	// Name returns the registry key the backend was selected by.
	Name() string

	Open(path string) (io.ReadCloser, error)
	ReadFile(path string) ([]byte, error)

	// Rewrite atomically replaces the content at path with whatever the
	// write callback produces. If the callback returns an error, the target
	// is left untouched and any temporary data is discarded.
	Rewrite(path string, write func(io.Writer) error) error

	// RewriteIfChanged atomically replaces the content at path unless it
	// already equals contents. It reports whether a write happened.
	RewriteIfChanged(path string, contents []byte) (bool, error)

	Exists(path string) bool
	IsDir(path string) bool
	IsFile(path string) bool
	Size(path string) (int64, error)

	// List returns the names (not full paths) of the direct children of a
	// directory, sorted.
	List(path string) ([]string, error)

	// Walk visits every file below root, passing replica-relative paths.
	Walk(root string, fn WalkFunc) error

	// Mkdir creates a directory and any missing parents. Backends without
	// real directories may treat this as a no-op or write a marker object.
	Mkdir(path string) error

	Copy(src, dst string) error
	Move(src, dst string) error

	// Link makes name resolve to the content at target. Filesystem backends
	// symlink; object store backends copy.
	Link(target, name string) error

	Delete(path string) error

	// DeleteAll removes path recursively. Removing a path that doesn't
	// exist is not an error.
	DeleteAll(path string) error

	// UploadTime and SetUploadTime track when a blob was uploaded upstream,
	// used by retention and staleness heuristics.
	UploadTime(path string) (time.Time, error)
	SetUploadTime(path string, t time.Time) error

	// Lock acquires a mutual-exclusion marker at path, polling until the
	// timeout. It returns a release function, or errors.LockHeld when the
	// lock stays contended past the timeout.
	Lock(path string, timeout time.Duration) (func(), error)
}

// WalkFunc is invoked by Backend.Walk for every file found.
type WalkFunc func(path string, size int64) error

// Factory constructs a backend from its configuration block.
type Factory func(cfg config.StorageConfig) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory under the given name. Backends register
// themselves from their package init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("storage backend %q registered twice", name))
	}
	registry[name] = factory
}

// Open constructs the backend selected by the configuration.
func Open(cfg config.StorageConfig) (Backend, error) {
	registryMu.Lock()
	factory, ok := registry[cfg.Backend]
	registryMu.Unlock()
	if !ok {
		return nil, errors.NewFriendlyError(
			"Unknown storage backend %q. Available backends: filesystem, s3, swift.",
			cfg.Backend)
	}
	return factory(cfg)
}

// NewHasher returns a hash for the given digest name. The mirror only deals
// in the digests upstream metadata declares.
func NewHasher(digest string) (hash.Hash, error) {
	switch digest {
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, errors.Errorf("unsupported digest %q", digest)
	}
}

// Hash streams the content at path through the named digest and returns the
// hex digest.
func Hash(backend Backend, path, digest string) (string, error) {
	hasher, err := NewHasher(digest)
	if err != nil {
		return "", err
	}

	f, err := backend.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

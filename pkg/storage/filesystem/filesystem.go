// Package filesystem implements the storage backend for POSIX filesystems.
package filesystem

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/storage"
)

// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 250 * time.Millisecond

func init() {
	storage.Register("filesystem", func(cfg config.StorageConfig) (storage.Backend, error) {
		return New(cfg.Directory, afero.NewOsFs(), clockwork.NewRealClock()), nil
	})
}

// Backend stores the replica in a directory tree.
type Backend struct {
	root  string
	fs    afero.Fs
	clock clockwork.Clock
}

// New returns a filesystem backend rooted at root. The afero filesystem and
// clock are injectable for tests.
func New(root string, fs afero.Fs, clock clockwork.Clock) *Backend {
	return &Backend{root: root, fs: fs, clock: clock}
}

// Name implements storage.Backend.
func (b *Backend) Name() string {
	return "filesystem"
}

func (b *Backend) abs(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

// Open implements storage.Backend.
func (b *Backend) Open(path string) (io.ReadCloser, error) {
	f, err := b.fs.Open(b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, err
	}
	return f, nil
}

// ReadFile implements storage.Backend.
func (b *Backend) ReadFile(path string) ([]byte, error) {
	contents, err := afero.ReadFile(b.fs, b.abs(path))
	if err != nil && os.IsNotExist(err) {
		return nil, errors.FileNotFound{Path: path}
	}
	return contents, err
}

// Rewrite implements storage.Backend. The new content is staged in a
// temporary file next to the target and published with a rename, so
// concurrent readers never observe a partial write.
func (b *Backend) Rewrite(path string, write func(io.Writer) error) error {
	target := b.abs(path)
	if err := b.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmp := target + ".tmp." + uuid.New().String()
	f, err := b.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	if err := write(f); err != nil {
		f.Close()
		if removeErr := b.fs.Remove(tmp); removeErr != nil {
			log.WithError(removeErr).WithField("path", tmp).Warn(
				"Failed to clean up temp file after aborted rewrite")
		}
		return err
	}

	if err := f.Close(); err != nil {
		return errors.WithContext(err, "close temp file")
	}

	if err := b.fs.Rename(tmp, target); err != nil {
		return errors.WithContext(err, "publish")
	}
	return nil
}

// RewriteIfChanged implements storage.Backend.
func (b *Backend) RewriteIfChanged(path string, contents []byte) (bool, error) {
	if current, err := b.ReadFile(path); err == nil && bytes.Equal(current, contents) {
		return false, nil
	}

	err := b.Rewrite(path, func(w io.Writer) error {
		_, err := w.Write(contents)
		return err
	})
	return err == nil, err
}

// Exists implements storage.Backend.
func (b *Backend) Exists(path string) bool {
	exists, _ := afero.Exists(b.fs, b.abs(path))
	return exists
}

// IsDir implements storage.Backend.
func (b *Backend) IsDir(path string) bool {
	isDir, _ := afero.IsDir(b.fs, b.abs(path))
	return isDir
}

// IsFile implements storage.Backend.
func (b *Backend) IsFile(path string) bool {
	fi, err := b.fs.Stat(b.abs(path))
	return err == nil && !fi.IsDir()
}

// Size implements storage.Backend.
func (b *Backend) Size(path string) (int64, error) {
	fi, err := b.fs.Stat(b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.FileNotFound{Path: path}
		}
		return 0, err
	}
	return fi.Size(), nil
}

// List implements storage.Backend.
func (b *Backend) List(path string) ([]string, error) {
	infos, err := afero.ReadDir(b.fs, b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Walk implements storage.Backend.
func (b *Backend) Walk(root string, fn storage.WalkFunc) error {
	absRoot := b.abs(root)
	return afero.Walk(b.fs, absRoot, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(b.root, path)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}
		return fn(filepath.ToSlash(relativePath), fi.Size())
	})
}

// Mkdir implements storage.Backend.
func (b *Backend) Mkdir(path string) error {
	return b.fs.MkdirAll(b.abs(path), 0755)
}

// Copy implements storage.Backend.
func (b *Backend) Copy(src, dst string) error {
	contents, err := b.ReadFile(src)
	if err != nil {
		return errors.WithContext(err, "read source")
	}
	return b.Rewrite(dst, func(w io.Writer) error {
		_, err := w.Write(contents)
		return err
	})
}

// Move implements storage.Backend.
func (b *Backend) Move(src, dst string) error {
	if err := b.fs.MkdirAll(filepath.Dir(b.abs(dst)), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}
	return b.fs.Rename(b.abs(src), b.abs(dst))
}

// Link implements storage.Backend. On filesystems that support it, name
// becomes a relative symlink to target so the tree stays relocatable. Other
// filesystems get a copy.
func (b *Backend) Link(target, name string) error {
	absTarget := b.abs(target)
	absName := b.abs(name)
	if err := b.fs.MkdirAll(filepath.Dir(absName), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	if linker, ok := b.fs.(afero.Linker); ok {
		relativeTarget, err := filepath.Rel(filepath.Dir(absName), absTarget)
		if err != nil {
			return errors.WithContext(err, "relative target")
		}

		// Replace an existing link atomically by staging the new one next
		// to it and renaming over.
		tmp := absName + ".tmp." + uuid.New().String()
		if err := linker.SymlinkIfPossible(relativeTarget, tmp); err == nil {
			return b.fs.Rename(tmp, absName)
		}
	}
	return b.Copy(target, name)
}

// Delete implements storage.Backend.
func (b *Backend) Delete(path string) error {
	if err := b.fs.Remove(b.abs(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAll implements storage.Backend.
func (b *Backend) DeleteAll(path string) error {
	return b.fs.RemoveAll(b.abs(path))
}

// UploadTime implements storage.Backend. The filesystem backend stores the
// upload time as the file's modification time.
func (b *Backend) UploadTime(path string) (time.Time, error) {
	fi, err := b.fs.Stat(b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, errors.FileNotFound{Path: path}
		}
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// SetUploadTime implements storage.Backend.
func (b *Backend) SetUploadTime(path string, t time.Time) error {
	return b.fs.Chtimes(b.abs(path), t, t)
}

// Lock implements storage.Backend using an exclusively-created marker file.
// The marker convention (rather than flock) keeps the observable behavior
// identical across the object store backends.
func (b *Backend) Lock(path string, timeout time.Duration) (func(), error) {
	absPath := b.abs(path)
	if err := b.fs.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, errors.WithContext(err, "create parent directory")
	}

	deadline := b.clock.Now().Add(timeout)
	for {
		f, err := b.fs.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			release := func() {
				if err := b.fs.Remove(absPath); err != nil {
					log.WithError(err).WithField("path", path).Warn(
						"Failed to release lock")
				}
			}
			return release, nil
		}

		if !b.clock.Now().Before(deadline) {
			return nil, errors.LockHeld{Path: path}
		}
		b.clock.Sleep(lockPollInterval)
	}
}

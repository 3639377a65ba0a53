// Package swift implements the storage backend for OpenStack Swift object
// stores.
package swift

import (
	"bytes"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ncw/swift"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/storage"
)

const (
	uploadTimeKey    = "uploaded-at"
	lockPollInterval = 250 * time.Millisecond
)

func init() {
	storage.Register("swift", func(cfg config.StorageConfig) (storage.Backend, error) {
		conn := &swift.Connection{
			UserName: cfg.UserName,
			ApiKey:   cfg.APIKey,
			AuthUrl:  cfg.AuthURL,
			Tenant:   cfg.Tenant,
		}
		if err := conn.Authenticate(); err != nil {
			return nil, errors.WithContext(err, "authenticate to swift")
		}
		return New(conn, cfg.Container, clockwork.NewRealClock()), nil
	})
}

// Backend stores the replica as objects in a single Swift container.
// Replica-relative paths map directly to object names.
type Backend struct {
	conn      *swift.Connection
	container string
	clock     clockwork.Clock
}

// New returns a Swift backend over the given connection and container.
func New(conn *swift.Connection, container string, clock clockwork.Clock) *Backend {
	return &Backend{conn: conn, container: container, clock: clock}
}

// Name implements storage.Backend.
func (b *Backend) Name() string {
	return "swift"
}

func isNotFound(err error) bool {
	return err == swift.ObjectNotFound || err == swift.ContainerNotFound
}

// Open implements storage.Backend.
func (b *Backend) Open(name string) (io.ReadCloser, error) {
	file, _, err := b.conn.ObjectOpen(b.container, name, false, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.FileNotFound{Path: name}
		}
		return nil, err
	}
	return file, nil
}

// ReadFile implements storage.Backend.
func (b *Backend) ReadFile(name string) ([]byte, error) {
	file, err := b.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ioutil.ReadAll(file)
}

// Rewrite implements storage.Backend. The content is buffered locally and
// only uploaded if the write callback succeeds; Swift object PUTs are atomic.
func (b *Backend) Rewrite(name string, write func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return err
	}
	return b.conn.ObjectPutBytes(b.container, name, buf.Bytes(), "")
}

// RewriteIfChanged implements storage.Backend.
func (b *Backend) RewriteIfChanged(name string, contents []byte) (bool, error) {
	if current, err := b.ReadFile(name); err == nil && bytes.Equal(current, contents) {
		return false, nil
	}
	if err := b.conn.ObjectPutBytes(b.container, name, contents, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Exists implements storage.Backend.
func (b *Backend) Exists(name string) bool {
	return b.IsFile(name) || b.IsDir(name)
}

// IsDir implements storage.Backend. A directory is any prefix with at least
// one object below it.
func (b *Backend) IsDir(name string) bool {
	names, err := b.conn.ObjectNames(b.container, &swift.ObjectsOpts{
		Prefix: strings.TrimSuffix(name, "/") + "/",
		Limit:  1,
	})
	return err == nil && len(names) > 0
}

// IsFile implements storage.Backend.
func (b *Backend) IsFile(name string) bool {
	_, _, err := b.conn.Object(b.container, name)
	return err == nil
}

// Size implements storage.Backend.
func (b *Backend) Size(name string) (int64, error) {
	info, _, err := b.conn.Object(b.container, name)
	if err != nil {
		if isNotFound(err) {
			return 0, errors.FileNotFound{Path: name}
		}
		return 0, err
	}
	return info.Bytes, nil
}

// List implements storage.Backend.
func (b *Backend) List(name string) ([]string, error) {
	prefix := strings.TrimSuffix(name, "/") + "/"
	objects, err := b.conn.ObjectsAll(b.container, &swift.ObjectsOpts{
		Prefix:    prefix,
		Delimiter: '/',
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var names []string
	for _, object := range objects {
		entry := object.Name
		if object.SubDir != "" {
			entry = object.SubDir
		}
		entry = strings.TrimSuffix(strings.TrimPrefix(entry, prefix), "/")
		if entry != "" && !seen[entry] {
			seen[entry] = true
			names = append(names, entry)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Walk implements storage.Backend.
func (b *Backend) Walk(root string, fn storage.WalkFunc) error {
	objects, err := b.conn.ObjectsAll(b.container, &swift.ObjectsOpts{
		Prefix: strings.TrimSuffix(root, "/") + "/",
	})
	if err != nil {
		return err
	}

	for _, object := range objects {
		if strings.HasSuffix(object.Name, "/") {
			// Directory marker.
			continue
		}
		if err := fn(object.Name, object.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// Mkdir implements storage.Backend. Swift has no real directories; an empty
// marker object keeps List and IsDir consistent with the filesystem backend.
func (b *Backend) Mkdir(name string) error {
	return b.conn.ObjectPutBytes(
		b.container, strings.TrimSuffix(name, "/")+"/", nil, "application/directory")
}

// Copy implements storage.Backend.
func (b *Backend) Copy(src, dst string) error {
	_, err := b.conn.ObjectCopy(b.container, src, b.container, dst, nil)
	return err
}

// Move implements storage.Backend.
func (b *Backend) Move(src, dst string) error {
	return b.conn.ObjectMove(b.container, src, b.container, dst)
}

// Link implements storage.Backend. Object stores have no symlinks, so the
// alias is a full copy.
func (b *Backend) Link(target, name string) error {
	return b.Copy(target, name)
}

// Delete implements storage.Backend.
func (b *Backend) Delete(name string) error {
	if err := b.conn.ObjectDelete(b.container, name); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// DeleteAll implements storage.Backend.
func (b *Backend) DeleteAll(name string) error {
	names, err := b.conn.ObjectNamesAll(b.container, &swift.ObjectsOpts{
		Prefix: strings.TrimSuffix(name, "/") + "/",
	})
	if err != nil {
		return err
	}

	for _, object := range names {
		if err := b.Delete(object); err != nil {
			return err
		}
	}
	// The name itself may be a plain object rather than a prefix.
	return b.Delete(name)
}

// UploadTime implements storage.Backend.
func (b *Backend) UploadTime(name string) (time.Time, error) {
	info, headers, err := b.conn.Object(b.container, name)
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, errors.FileNotFound{Path: name}
		}
		return time.Time{}, err
	}

	if stamp, ok := headers.ObjectMetadata()[uploadTimeKey]; ok {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			return t, nil
		}
	}
	return info.LastModified, nil
}

// SetUploadTime implements storage.Backend.
func (b *Backend) SetUploadTime(name string, t time.Time) error {
	metadata := swift.Metadata{uploadTimeKey: t.Format(time.RFC3339)}
	return b.conn.ObjectUpdate(b.container, name, metadata.ObjectHeaders())
}

// Lock implements storage.Backend with an existence-marker object, polled
// until the timeout.
func (b *Backend) Lock(name string, timeout time.Duration) (func(), error) {
	deadline := b.clock.Now().Add(timeout)
	for {
		if !b.IsFile(name) {
			err := b.conn.ObjectPutBytes(b.container, name,
				[]byte(time.Now().UTC().Format(time.RFC3339)), "")
			if err != nil {
				return nil, errors.WithContext(err, "write lock marker")
			}
			return func() { b.Delete(name) }, nil
		}

		if !b.clock.Now().Before(deadline) {
			return nil, errors.LockHeld{Path: name}
		}
		b.clock.Sleep(lockPollInterval)
	}
}

package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/filter"
	"github.com/pypimirror/pypimirror/pkg/pypi"
	"github.com/pypimirror/pypimirror/pkg/storage"
	"github.com/pypimirror/pypimirror/pkg/storage/filesystem"
)

// fakeUpstream serves canned metadata and file contents, and records which
// packages were fetched.
type fakeUpstream struct {
	mu       sync.Mutex
	packages map[string]pypi.Metadata
	files    map[string]string
	changes  map[string]int64
	fetched  []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		packages: map[string]pypi.Metadata{},
		files:    map[string]string{},
	}
}

func (f *fakeUpstream) addPackage(name string, serial int64, files ...pypi.ReleaseFile) {
	version := "1.0"
	f.packages[name] = pypi.Metadata{
		Info:       map[string]interface{}{"name": name, "version": version},
		LastSerial: serial,
		Releases:   map[string][]pypi.ReleaseFile{version: files},
	}
}

func (f *fakeUpstream) AllPackages(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all := map[string]int64{}
	for name, metadata := range f.packages {
		all[name] = metadata.LastSerial
	}
	return all, nil
}

func (f *fakeUpstream) ChangedPackages(_ context.Context, since int64) (map[string]int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := map[string]int64{}
	target := since
	for name, serial := range f.changes {
		if serial <= since {
			continue
		}
		changed[name] = serial
		if serial > target {
			target = serial
		}
	}
	return changed, target, nil
}

func (f *fakeUpstream) Package(_ context.Context, name string, _ int64) (pypi.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetched = append(f.fetched, name)
	metadata, ok := f.packages[name]
	if !ok {
		return pypi.Metadata{}, errors.PackageNotFound{Package: name}
	}

	// Return a copy: the engine mutates the release mapping while
	// filtering, and the fixture must stay intact across runs.
	raw, err := json.Marshal(metadata)
	if err != nil {
		return pypi.Metadata{}, err
	}
	return pypi.ParseMetadata(raw)
}

func (f *fakeUpstream) DownloadFile(_ context.Context, url string, w io.Writer) (int64, error) {
	f.mu.Lock()
	content, ok := f.files[url]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no such file %q", url)
	}
	n, err := io.WriteString(w, content)
	return int64(n), err
}

func (f *fakeUpstream) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// releaseFile builds a release file fixture whose declared digest matches
// content, and registers the content with the fake upstream.
func (f *fakeUpstream) releaseFile(filename, url, content string) pypi.ReleaseFile {
	f.files[url] = content
	sum := sha256.Sum256([]byte(content))
	return pypi.ReleaseFile{
		Filename:    filename,
		URL:         url,
		Size:        int64(len(content)),
		Digests:     map[string]string{"sha256": hex.EncodeToString(sum[:])},
		PackageType: "sdist",
	}
}

func newTestMirror(t *testing.T, up *fakeUpstream, mutate func(*config.Config)) (*Mirror, storage.Backend) {
	cfg := config.Config{
		Directory:     "/mirror",
		Workers:       2,
		DigestName:    "sha256",
		SimpleFormat:  config.SimpleFormatAll,
		CompareMethod: config.CompareHash,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	backend := filesystem.New("/mirror", afero.NewMemMapFs(), clockwork.NewFakeClock())
	filters, err := filter.NewSet(cfg.Filters)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return New(cfg, backend, up, filters, clock), backend
}

func readFile(t *testing.T, backend storage.Backend, path string) string {
	contents, err := backend.ReadFile(path)
	require.NoError(t, err)
	return string(contents)
}

func TestFreshSync(t *testing.T) {
	up := newFakeUpstream()
	file := up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n")
	up.addPackage("foo", 1, file)

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, "1", readFile(t, backend, "status"))
	assert.Equal(t, "5", readFile(t, backend, "generation"))
	assert.False(t, backend.Exists("todo"))
	assert.False(t, backend.Exists(".lock"))

	assert.Equal(t, "first release\n",
		readFile(t, backend, "web/packages/aa/bb/foo-1.0.tar.gz"))

	page := readFile(t, backend, "web/simple/foo/index.html")
	assert.Contains(t, page, fmt.Sprintf(
		`<a href="../../packages/aa/bb/foo-1.0.tar.gz#sha256=%s">foo-1.0.tar.gz</a>`,
		file.Digests["sha256"]))
	assert.Contains(t, page, "<!--SERIAL 1-->")
	assert.True(t, backend.IsFile("web/simple/foo/index.v1_json"))

	assert.Contains(t, readFile(t, backend, "web/simple/index.html"),
		`<a href="foo/">foo</a><br/>`)
	assert.True(t, backend.IsFile("web/json/foo"))
	assert.True(t, backend.IsFile("web/pypi/foo/json"))
	assert.NotEmpty(t, readFile(t, backend, "web/last-modified"))
}

func TestResumeFromTodo(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("bar", 10, up.releaseFile("bar-1.0.tar.gz",
		"https://files.example.org/packages/cc/dd/bar-1.0.tar.gz", "second release\n"))
	// A changelog fetch would produce nothing; the work set must come from
	// the todo file.
	up.changes = map[string]int64{}

	m, backend := newTestMirror(t, up, nil)
	_, err := backend.RewriteIfChanged("status", []byte("5"))
	require.NoError(t, err)
	_, err = backend.RewriteIfChanged("todo", []byte("20\nbar 10\n"))
	require.NoError(t, err)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, "20", readFile(t, backend, "status"))
	assert.False(t, backend.Exists("todo"))
	assert.True(t, backend.IsFile("web/simple/bar/index.html"))
	assert.Equal(t, 1, up.fetchCount())
}

func TestProjectFilterSkipsFetch(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, func(cfg *config.Config) {
		cfg.Filters = config.FilterConfig{
			Enabled:   []string{"blocklist"},
			Blocklist: []string{"foo"},
		}
	})
	require.NoError(t, m.Run(context.Background()))

	// The blocked project is never fetched, yet the run is a success and
	// advances the serial past it.
	assert.Equal(t, 0, up.fetchCount())
	assert.Equal(t, "1", readFile(t, backend, "status"))
	assert.False(t, backend.Exists("web/simple/foo"))
	assert.False(t, backend.Exists("web/packages"))
}

func TestHashMismatchFailsRun(t *testing.T) {
	up := newFakeUpstream()
	file := up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n")
	file.Digests["sha256"] = "0000000000000000000000000000000000000000000000000000000000000000"
	up.addPackage("foo", 1, file)

	m, backend := newTestMirror(t, up, nil)
	err := m.Run(context.Background())
	require.Error(t, err)

	// The corrupt download is never published, no temp files leak, the
	// serial doesn't advance, and the package stays queued for retry.
	assert.False(t, backend.Exists("web/packages/aa/bb/foo-1.0.tar.gz"))
	require.NoError(t, backend.Walk("web/packages", func(path string, _ int64) error {
		t.Errorf("unexpected file %q", path)
		return nil
	}))
	assert.False(t, backend.Exists("status"))

	target, pending, err := parseTodo([]byte(readFile(t, backend, "todo")))
	require.NoError(t, err)
	assert.EqualValues(t, 1, target)
	assert.Equal(t, map[string]int64{"foo": 1}, pending)
}

func TestDeltaSyncIsIdempotent(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))
	page := readFile(t, backend, "web/simple/foo/index.html")

	// An empty changelog delta leaves the replica byte-identical.
	up.changes = map[string]int64{}
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, "1", readFile(t, backend, "status"))
	assert.Equal(t, page, readFile(t, backend, "web/simple/foo/index.html"))
	assert.Equal(t, 1, up.fetchCount())
}

func TestUpstreamDeletionRemovesPackage(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))
	up.addPackage("bar", 1, up.releaseFile("bar-1.0.tar.gz",
		"https://files.example.org/packages/cc/dd/bar-1.0.tar.gz", "second release\n"))

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))
	require.True(t, backend.IsFile("web/simple/foo/index.html"))

	delete(up.packages, "foo")
	up.changes = map[string]int64{"foo": 2}
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, "2", readFile(t, backend, "status"))
	assert.False(t, backend.Exists("web/simple/foo"))
	assert.False(t, backend.Exists("web/json/foo"))
	assert.False(t, backend.Exists("web/pypi/foo"))
	assert.False(t, backend.Exists("web/packages/aa/bb/foo-1.0.tar.gz"))

	global := readFile(t, backend, "web/simple/index.html")
	assert.NotContains(t, global, `href="foo/"`)
	assert.Contains(t, global, `href="bar/"`)
}

func TestHashIndexLayout(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, func(cfg *config.Config) {
		cfg.HashIndex = true
	})
	require.NoError(t, m.Run(context.Background()))

	page := readFile(t, backend, "web/simple/f/foo/index.html")
	// One level deeper, so hrefs climb one more directory.
	assert.Contains(t, page, `href="../../../packages/aa/bb/foo-1.0.tar.gz`)
	assert.Contains(t, readFile(t, backend, "web/simple/index.html"),
		`<a href="foo/">foo</a><br/>`)
}

func TestKeepIndexVersions(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, func(cfg *config.Config) {
		cfg.KeepIndexVersions = 2
	})
	require.NoError(t, m.Run(context.Background()))

	versions, err := backend.List("web/simple/foo/versions")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	assert.Equal(t,
		readFile(t, backend, "web/simple/foo/versions/"+versions[0]),
		readFile(t, backend, "web/simple/foo/index.html"))
}

func TestGenerationMismatchForcesResync(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 3, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, nil)
	_, err := backend.RewriteIfChanged("generation", []byte("4"))
	require.NoError(t, err)
	_, err = backend.RewriteIfChanged("status", []byte("99"))
	require.NoError(t, err)
	_, err = backend.RewriteIfChanged("todo", []byte("99\nstale 1\n"))
	require.NoError(t, err)

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, "5", readFile(t, backend, "generation"))
	assert.Equal(t, "3", readFile(t, backend, "status"))
	assert.Equal(t, []string{"foo"}, up.fetched)
}

func TestLockRefusesSecondWriter(t *testing.T) {
	up := newFakeUpstream()
	clock := clockwork.NewFakeClock()
	backend := filesystem.New("/mirror", afero.NewMemMapFs(), clock)
	filters, err := filter.NewSet(config.FilterConfig{})
	require.NoError(t, err)
	cfg := config.Config{
		Directory:     "/mirror",
		Workers:       1,
		DigestName:    "sha256",
		SimpleFormat:  config.SimpleFormatAll,
		CompareMethod: config.CompareHash,
	}
	m := New(cfg, backend, up, filters, clockwork.NewFakeClock())

	release, err := backend.Lock(".lock", 0)
	require.NoError(t, err)
	defer release()

	// The lock acquisition polls every 250ms until the 5s timeout; step
	// the backend clock through exactly those sleeps.
	go func() {
		for i := 0; i < 20; i++ {
			clock.BlockUntil(1)
			clock.Advance(250 * time.Millisecond)
		}
	}()

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Another process")
}

func TestDeletePackages(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))
	up.addPackage("bar", 1, up.releaseFile("bar-1.0.tar.gz",
		"https://files.example.org/packages/cc/dd/bar-1.0.tar.gz", "second release\n"))

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))

	// A dry run changes nothing.
	require.NoError(t, m.DeletePackages(context.Background(), []string{"foo"}, true))
	assert.True(t, backend.IsFile("web/json/foo"))

	require.NoError(t, m.DeletePackages(context.Background(), []string{"foo"}, false))
	assert.False(t, backend.Exists("web/simple/foo"))
	assert.False(t, backend.Exists("web/json/foo"))
	assert.False(t, backend.Exists("web/packages/aa/bb/foo-1.0.tar.gz"))

	// Other packages and the global index survive.
	assert.True(t, backend.IsFile("web/json/bar"))
	assert.NotContains(t, readFile(t, backend, "web/simple/index.html"), `href="foo/"`)
}

func TestVerifyRepairsCorruptFile(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))

	blob := "web/packages/aa/bb/foo-1.0.tar.gz"
	_, err := backend.RewriteIfChanged(blob, []byte("corrupted"))
	require.NoError(t, err)

	// Dry run reports but doesn't repair.
	require.NoError(t, m.Verify(context.Background(), VerifyOptions{DryRun: true}))
	assert.Equal(t, "corrupted", readFile(t, backend, blob))

	require.NoError(t, m.Verify(context.Background(), VerifyOptions{}))
	assert.Equal(t, "first release\n", readFile(t, backend, blob))
}

func TestVerifySweepsUnownedFiles(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))

	unowned := "web/packages/zz/yy/orphan-0.1.tar.gz"
	_, err := backend.RewriteIfChanged(unowned, []byte("orphan"))
	require.NoError(t, err)

	// Without DeleteUnowned the orphan is left alone.
	require.NoError(t, m.Verify(context.Background(), VerifyOptions{}))
	assert.True(t, backend.IsFile(unowned))

	require.NoError(t, m.Verify(context.Background(), VerifyOptions{DeleteUnowned: true}))
	assert.False(t, backend.Exists(unowned))
	assert.True(t, backend.IsFile("web/packages/aa/bb/foo-1.0.tar.gz"))
}

func TestVerifyRemovesDeletedPackage(t *testing.T) {
	up := newFakeUpstream()
	up.addPackage("foo", 1, up.releaseFile("foo-1.0.tar.gz",
		"https://files.example.org/packages/aa/bb/foo-1.0.tar.gz", "first release\n"))

	m, backend := newTestMirror(t, up, nil)
	require.NoError(t, m.Run(context.Background()))

	delete(up.packages, "foo")
	require.NoError(t, m.Verify(context.Background(), VerifyOptions{}))

	assert.False(t, backend.Exists("web/simple/foo"))
	assert.False(t, backend.Exists("web/json/foo"))
}

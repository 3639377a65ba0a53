package filesystem

import (
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/storage"
)

func newTestBackend() *Backend {
	return New("/mirror", afero.NewMemMapFs(), clockwork.NewFakeClock())
}

func TestRewrite(t *testing.T) {
	b := newTestBackend()

	err := b.Rewrite("web/simple/foo/index.html", func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	})
	require.NoError(t, err)

	contents, err := b.ReadFile("web/simple/foo/index.html")
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	// A failed rewrite must leave the previous content untouched and no
	// temp files behind.
	err = b.Rewrite("web/simple/foo/index.html", func(w io.Writer) error {
		w.Write([]byte("partial"))
		return errors.New("write aborted")
	})
	assert.Error(t, err)

	contents, err = b.ReadFile("web/simple/foo/index.html")
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	names, err := b.List("web/simple/foo")
	require.NoError(t, err)
	assert.Equal(t, []string{"index.html"}, names)
}

func TestRewriteIfChanged(t *testing.T) {
	b := newTestBackend()

	changed, err := b.RewriteIfChanged("status", []byte("100"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.RewriteIfChanged("status", []byte("100"))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = b.RewriteIfChanged("status", []byte("101"))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestHash(t *testing.T) {
	b := newTestBackend()

	_, err := b.RewriteIfChanged("web/packages/aa/foo.tar.gz", []byte("hello world\n"))
	require.NoError(t, err)

	digest, err := storage.Hash(b, "web/packages/aa/foo.tar.gz", "sha256")
	require.NoError(t, err)
	assert.Equal(t,
		"a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447",
		digest)

	digest, err = storage.Hash(b, "web/packages/aa/foo.tar.gz", "md5")
	require.NoError(t, err)
	assert.Equal(t, "6f5902ac237024bdd0c176cb93063dc4", digest)
}

func TestExistenceQueries(t *testing.T) {
	b := newTestBackend()
	require.NoError(t, b.Mkdir("web/simple/foo"))
	_, err := b.RewriteIfChanged("web/simple/foo/index.html", []byte("x"))
	require.NoError(t, err)

	assert.True(t, b.Exists("web/simple/foo"))
	assert.True(t, b.IsDir("web/simple/foo"))
	assert.False(t, b.IsFile("web/simple/foo"))
	assert.True(t, b.IsFile("web/simple/foo/index.html"))
	assert.False(t, b.Exists("web/simple/bar"))

	size, err := b.Size("web/simple/foo/index.html")
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)
}

func TestWalk(t *testing.T) {
	b := newTestBackend()
	for _, path := range []string{
		"web/packages/aa/one.tar.gz",
		"web/packages/bb/two.tar.gz",
	} {
		_, err := b.RewriteIfChanged(path, []byte("content"))
		require.NoError(t, err)
	}

	var seen []string
	err := b.Walk("web/packages", func(path string, size int64) error {
		seen = append(seen, path)
		assert.EqualValues(t, 7, size)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"web/packages/aa/one.tar.gz",
		"web/packages/bb/two.tar.gz",
	}, seen)
}

func TestCopyMoveDelete(t *testing.T) {
	b := newTestBackend()
	_, err := b.RewriteIfChanged("a", []byte("content"))
	require.NoError(t, err)

	require.NoError(t, b.Copy("a", "b"))
	require.NoError(t, b.Move("b", "sub/c"))
	assert.False(t, b.Exists("b"))

	contents, err := b.ReadFile("sub/c")
	require.NoError(t, err)
	assert.Equal(t, "content", string(contents))

	require.NoError(t, b.Delete("a"))
	assert.False(t, b.Exists("a"))
	// Deleting a missing file isn't an error.
	require.NoError(t, b.Delete("a"))

	require.NoError(t, b.DeleteAll("sub"))
	assert.False(t, b.Exists("sub/c"))
}

func TestLinkFallsBackToCopy(t *testing.T) {
	// MemMapFs can't symlink, so Link must degrade to a copy.
	b := newTestBackend()
	_, err := b.RewriteIfChanged("web/json/foo", []byte("{}"))
	require.NoError(t, err)

	require.NoError(t, b.Link("web/json/foo", "web/pypi/foo/json"))
	contents, err := b.ReadFile("web/pypi/foo/json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(contents))
}

func TestUploadTime(t *testing.T) {
	b := newTestBackend()
	_, err := b.RewriteIfChanged("web/packages/aa/foo.tar.gz", []byte("x"))
	require.NoError(t, err)

	uploaded := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.SetUploadTime("web/packages/aa/foo.tar.gz", uploaded))

	got, err := b.UploadTime("web/packages/aa/foo.tar.gz")
	require.NoError(t, err)
	assert.True(t, got.Equal(uploaded))
}

func TestLock(t *testing.T) {
	b := newTestBackend()

	release, err := b.Lock(".lock", 0)
	require.NoError(t, err)

	// A second acquisition with no timeout budget fails fast.
	_, err = b.Lock(".lock", 0)
	require.Error(t, err)
	_, isLockHeld := errors.RootCause(err).(errors.LockHeld)
	assert.True(t, isLockHeld)

	release()
	release2, err := b.Lock(".lock", 0)
	require.NoError(t, err)
	release2()
}

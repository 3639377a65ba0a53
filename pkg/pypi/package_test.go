package pypi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		exp  string
	}{
		{
			name: "AlreadyCanonical",
			arg:  "requests",
			exp:  "requests",
		},
		{
			name: "Case",
			arg:  "Django",
			exp:  "django",
		},
		{
			name: "Separators",
			arg:  "zope.interface",
			exp:  "zope-interface",
		},
		{
			name: "SeparatorRuns",
			arg:  "foo_.-_bar",
			exp:  "foo-bar",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, NormalizeName(test.arg))
		})
	}
}

func TestLegacyNormalizeName(t *testing.T) {
	assert.Equal(t, "Foo.Bar", LegacyNormalizeName("Foo.Bar"))
	assert.Equal(t, "foo-bar", LegacyNormalizeName("foo_bar"))
	assert.Equal(t, "Foo-Bar", LegacyNormalizeName("Foo  Bar"))
}

func TestParseMetadata(t *testing.T) {
	raw := []byte(`{
		"info": {"name": "foo", "version": "2.0"},
		"last_serial": 42,
		"releases": {
			"1.0": [{
				"filename": "foo-1.0.tar.gz",
				"url": "https://files.example.org/packages/aa/bb/foo-1.0.tar.gz",
				"size": 123,
				"digests": {"sha256": "deadbeef"},
				"packagetype": "sdist"
			}],
			"2.0": [{
				"filename": "foo-2.0.tar.gz",
				"url": "https://files.example.org/packages/cc/dd/foo-2.0.tar.gz",
				"size": 456,
				"digests": {"sha256": "cafef00d"},
				"packagetype": "sdist",
				"requires_python": ">=3.8",
				"yanked": true,
				"yanked_reason": "broken build"
			}]
		}
	}`)

	metadata, err := ParseMetadata(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 42, metadata.LastSerial)

	pkg := NewPackage("foo", 42)
	pkg.Metadata = metadata
	assert.Equal(t, "2.0", pkg.StableVersion())
	assert.Equal(t, []string{"1.0", "2.0"}, pkg.Versions())
	assert.EqualValues(t, 579, pkg.TotalSize())
	assert.False(t, pkg.Empty())

	files := pkg.ReleaseFiles()
	require.Len(t, files, 2)
	assert.Equal(t, "foo-1.0.tar.gz", files[0].Filename)
	assert.Equal(t, "deadbeef", files[0].Digest("sha256"))
	assert.True(t, files[1].Yanked)
}

func TestParseMetadataInvalid(t *testing.T) {
	_, err := ParseMetadata([]byte(`{"releases": {}}`))
	assert.Error(t, err)

	_, err = ParseMetadata([]byte(`not json`))
	assert.Error(t, err)
}

func TestReleaseFilesDeduplicate(t *testing.T) {
	shared := ReleaseFile{
		Filename: "foo-1.0-py3-none-any.whl",
		URL:      "https://files.example.org/packages/aa/bb/foo-1.0-py3-none-any.whl",
	}

	pkg := NewPackage("foo", 1)
	pkg.Metadata.Releases = map[string][]ReleaseFile{
		"1.0":      {shared},
		"1.0.post": {shared},
	}
	assert.Len(t, pkg.ReleaseFiles(), 1)
}

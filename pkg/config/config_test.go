package config

import (
	"testing"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		check    func(t *testing.T, cfg Config)
		expError bool
	}{
		{
			name:  "Defaults",
			input: []byte("directory: /srv/mirror\n"),
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "/srv/mirror", cfg.Directory)
				assert.Equal(t, DefaultUpstream, cfg.Upstream)
				assert.Equal(t, DefaultWorkers, cfg.Workers)
				assert.Equal(t, "sha256", cfg.DigestName)
				assert.Equal(t, SimpleFormatAll, cfg.SimpleFormat)
				assert.Equal(t, CompareHash, cfg.CompareMethod)
				assert.Equal(t, "filesystem", cfg.Storage.Backend)
				assert.Equal(t, "/srv/mirror", cfg.Storage.Directory)
			},
		},
		{
			name: "Explicit",
			input: mustMarshal(Config{
				Version:       SupportedConfigVersion,
				Directory:     "/srv/mirror",
				Workers:       5,
				DigestName:    "md5",
				SimpleFormat:  SimpleFormatJSON,
				CompareMethod: CompareStat,
				StopOnError:   true,
			}),
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 5, cfg.Workers)
				assert.Equal(t, "md5", cfg.DigestName)
				assert.Equal(t, SimpleFormatJSON, cfg.SimpleFormat)
				assert.Equal(t, CompareStat, cfg.CompareMethod)
				assert.True(t, cfg.StopOnError)
			},
		},
		{
			name:     "MissingDirectory",
			input:    []byte("workers: 3\n"),
			expError: true,
		},
		{
			name:     "TooManyWorkers",
			input:    []byte("directory: /srv/mirror\nworkers: 50\n"),
			expError: true,
		},
		{
			name:     "BadDigest",
			input:    []byte("directory: /srv/mirror\ndigest-name: crc32\n"),
			expError: true,
		},
		{
			name:     "BadVersion",
			input:    []byte("version: v9\ndirectory: /srv/mirror\n"),
			expError: true,
		},
		{
			name:     "ExtraFields",
			input:    []byte("directory: /srv/mirror\nextra: field\n"),
			expError: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			fs = afero.NewMemMapFs()
			homedirExpand = func(path string) (string, error) { return path, nil }
			require.NoError(t, afero.WriteFile(fs, "mirror.yaml", test.input, 0644))

			cfg, err := Parse("mirror.yaml")
			if test.expError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.check(t, cfg)
		})
	}
}

func TestParseMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, err := Parse("does-not-exist.yaml")
	assert.Error(t, err)
}

func mustMarshal(cfg Config) []byte {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return out
}

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
repository: registry.local/browsers
browsers:
  - name: chrome
    platform: linux
    versions:
      - version: "74.0"
        image: registry.local/browsers/chrome:74.0
      - version: "75.0"
        image: registry.local/browsers/chrome:75.0
        latest: true
  - name: firefox
    versions:
      - version: "60.0"
        image: registry.local/browsers/firefox:60.0
`

func TestResolveImage(t *testing.T) {
	c, err := Parse([]byte(sample), "elastestbrowsers")
	require.NoError(t, err)

	tests := []struct {
		name     string
		browser  string
		version  string
		platform string
		want     string
		wantErr  bool
	}{
		{"latest when empty", "chrome", "", "", "registry.local/browsers/chrome:75.0", false},
		{"explicit latest", "Chrome", "latest", "ANY", "registry.local/browsers/chrome:75.0", false},
		{"known version", "chrome", "74.0", "LINUX", "registry.local/browsers/chrome:74.0", false},
		{"unknown version falls back to tag", "chrome", "80.0", "", "registry.local/browsers/chrome:80.0", false},
		{"first version is latest when unmarked", "firefox", "", "", "registry.local/browsers/firefox:60.0", false},
		{"platform mismatch", "chrome", "", "WINDOWS", "", true},
		{"unknown browser", "safari", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := c.ResolveImage(tt.browser, tt.version, tt.platform)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, img)
		})
	}
}

func TestVersionOf(t *testing.T) {
	c, err := Parse([]byte(sample), "")
	require.NoError(t, err)

	assert.Equal(t, "75.0", c.VersionOf("registry.local/browsers/chrome:75.0"))
	assert.Equal(t, "81.0", c.VersionOf("elastestbrowsers/chrome:81.0"))
	assert.Equal(t, "latest", c.VersionOf("localhost:5000/chrome"))
}

func TestDefault(t *testing.T) {
	c := Default("elastestbrowsers")

	img, err := c.ResolveImage("firefox", "", "")
	require.NoError(t, err)
	assert.Equal(t, "elastestbrowsers/firefox:latest", img)

	img, err = c.ResolveImage("opera", "58", "")
	require.NoError(t, err)
	assert.Equal(t, "elastestbrowsers/opera:58", img)

	assert.Len(t, c.LatestImages(), 4)
	assert.Len(t, c.Browsers(), 4)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("browsers:\n  - versions: []\n"), "")
	assert.Error(t, err)

	_, err = Parse([]byte("browsers:\n  - name: chrome\n    versions:\n      - version: '1'\n"), "")
	assert.Error(t, err)

	_, err = Parse([]byte("browsers: ["), "")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browsers.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"registry.local/browsers/chrome:75.0", "registry.local/browsers/firefox:60.0"}, c.LatestImages())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"), "")
	assert.Error(t, err)
}

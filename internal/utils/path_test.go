package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test", wantError: false},
		{name: "absolute path", input: "/tmp/test", wantError: false},
		{name: "home path", input: "~/SwissDisk", wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestEnsureParent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "journal.db")
	require.NoError(t, EnsureParent(target))
	assert.True(t, DirExists(filepath.Dir(target)))
	assert.False(t, FileExists(target))

	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	assert.True(t, FileExists(target))
}

func TestConcatURLPath(t *testing.T) {
	assert.Equal(t, "https://h/remote.php/webdav/a.txt", ConcatURLPath("https://h/", "/remote.php/webdav/", "a.txt"))
	assert.Equal(t, "https://h/dav/", ConcatURLPath("https://h", "dav/"))
	assert.Equal(t, "https://h", ConcatURLPath("https://h", ""))
}

func TestParentDirs(t *testing.T) {
	assert.Equal(t, []string{"docs/sub", "docs"}, ParentDirs("docs/sub/report.txt"))
	assert.Empty(t, ParentDirs("report.txt"))
	assert.Equal(t, []string{"a"}, ParentDirs("/a/b/"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "*****", MaskSecret("abcd"))
	assert.Equal(t, "hu*****", MaskSecret("hunter2"))
}

func TestIsSubPath(t *testing.T) {
	cases := map[string]bool{
		"docs/report.txt":     true,
		"a":                   true,
		"a/../b":              true,
		"./a/b":               true,
		"..foo/bar":           true,
		"":                    false,
		".":                   false,
		"a/..":                false,
		"..":                  false,
		"../escaped.txt":      false,
		"a/../../escaped.txt": false,
		"..\\escaped.txt":     false,
		"/etc/passwd":         false,
		"\\share\\file":       false,
		"C:\\windows\\x.txt":  false,
		"C:/windows/x.txt":    false,
	}
	for p, want := range cases {
		assert.Equal(t, want, IsSubPath(p), p)
	}
}

package utils

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResolvePath expands `~` and returns a cleaned absolute path.
func ResolvePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path cannot be empty")
	}

	if strings.HasPrefix(p, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		p = strings.Replace(p, "~", homeDir, 1)
	}

	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

func EnsureParent(p string) error {
	return EnsureDir(filepath.Dir(p))
}

func EnsureDir(p string) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	return os.MkdirAll(p, 0o755)
}

func DirExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ConcatURLPath joins url path segments with exactly one slash between them.
// A trailing slash on the last segment is preserved.
func ConcatURLPath(base string, parts ...string) string {
	out := base
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = strings.TrimSuffix(out, "/") + "/" + strings.TrimPrefix(p, "/")
	}
	return out
}

// ParentDirs returns every ancestor of a slash separated relative path, nearest first.
// ParentDirs("a/b/c.txt") == ["a/b", "a"]
func ParentDirs(rel string) []string {
	var dirs []string
	dir := path.Dir(strings.Trim(rel, "/"))
	for dir != "." && dir != "/" && dir != "" {
		dirs = append(dirs, dir)
		dir = path.Dir(dir)
	}
	return dirs
}

// IsSubPath is true when rel, slash or backslash separated, names something
// strictly below the directory it is relative to. Absolute paths, the
// directory itself and anything climbing out with ".." are not.
func IsSubPath(rel string) bool {
	if rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return false
	}
	p := strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(p, "/") || (len(p) >= 2 && p[1] == ':') {
		return false
	}
	p = path.Clean(p)
	return p != "." && p != ".." && !strings.HasPrefix(p, "../")
}

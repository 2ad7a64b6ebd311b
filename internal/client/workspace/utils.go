package workspace

import (
	"path/filepath"
	"regexp"
	"strings"
)

// regexTempDownload matches hidden partial downloads, ".name.~1a2b3c4d"
var regexTempDownload = regexp.MustCompile(`^\..+\.~[0-9a-f]{8}$`)

// NormPath normalizes a path by cleaning it, replacing backslashes with slashes, and trimming leading slashes
func NormPath(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.TrimLeft(path, "/")
	return path
}

// IsMetadataPath is true for the metadata directory, anything below it and partial downloads.
func IsMetadataPath(relPath string) bool {
	p := NormPath(relPath)
	if p == metadataDir || strings.HasPrefix(p, metadataDir+"/") {
		return true
	}
	return regexTempDownload.MatchString(filepath.Base(p))
}

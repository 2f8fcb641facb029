package tftp

import (
	"path/filepath"
	"strings"
)

// ResolveUnderRoot joins a client-supplied filename onto root and
// verifies the result does not escape root via ".." segments, symlink
// traversal notwithstanding — the first line of defense against a
// request like "../../etc/passwd". A filename containing any ".."
// segment is rejected outright. Both paths are cleaned and made
// absolute before comparison; symlinks are not resolved.
func ResolveUnderRoot(root, filename string) (string, error) {
	if filename == "" {
		return "", ErrInvalidFileName
	}
	for _, seg := range strings.Split(filepath.ToSlash(filename), "/") {
		if seg == ".." {
			return "", ErrInvalidFileName
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", WrapIO(err)
	}
	absRoot = filepath.Clean(absRoot)

	joined := filepath.Join(absRoot, filename)
	joined = filepath.Clean(joined)

	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidFileName
	}
	return joined, nil
}

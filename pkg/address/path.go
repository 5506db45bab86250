package address

import (
	"fmt"
	"strings"

	sderrors "github.com/i5heu/samizdat/internal/errors"
)

// NormalizePath returns the canonical form of a path inside
// a collection: a single leading slash, no empty, "." or
// ".." segments and no trailing slash.
func NormalizePath(p string) (string, error) { // A
	trimmed := strings.TrimSpace(p)
	if trimmed == "" || trimmed == "/" {
		return "", fmt.Errorf(
			"%w: empty path", sderrors.ErrInvalidPath,
		)
	}

	segments := strings.Split(trimmed, "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf(
				"%w: traversal segment in %q",
				sderrors.ErrInvalidPath,
				p,
			)
		}
		if strings.ContainsRune(seg, 0) {
			return "", fmt.Errorf(
				"%w: NUL byte in %q",
				sderrors.ErrInvalidPath,
				p,
			)
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return "", fmt.Errorf(
			"%w: empty path", sderrors.ErrInvalidPath,
		)
	}
	return "/" + strings.Join(kept, "/"), nil
}

package authz

import (
	"fmt"
	"net/url"
	"strings"

	autherrors "github.com/alexjbarnes/swiftauth/internal/errors"
)

// SplitPath splits a request path into between minSegs and maxSegs
// segments. With restWithLast, the final segment keeps any remaining
// slashes (object names may contain "/"); otherwise a single trailing
// slash is tolerated. Segments that are absent come back as "". The
// first minSegs segments must be non-empty.
//
//	SplitPath("/v1/AUTH_a/c/o/with/slash", 1, 4, true)
//	  -> ["v1", "AUTH_a", "c", "o/with/slash"]
func SplitPath(path string, minSegs, maxSegs int, restWithLast bool) ([]string, error) {
	if minSegs > maxSegs || !strings.HasPrefix(path, "/") {
		return nil, invalidPath(path)
	}

	limit := maxSegs
	if !restWithLast {
		limit = maxSegs + 1
	}

	segs := strings.SplitN(path[1:], "/", limit)
	count := len(segs)

	if count < minSegs || count > limit {
		return nil, invalidPath(path)
	}

	for _, s := range segs[:minSegs] {
		if s == "" {
			return nil, invalidPath(path)
		}
	}

	if !restWithLast && count == maxSegs+1 && segs[maxSegs] != "" {
		return nil, invalidPath(path)
	}

	out := make([]string, maxSegs)
	copy(out, segs)

	return out, nil
}

func invalidPath(path string) error {
	return fmt.Errorf("%w: invalid path %s", autherrors.ErrBadRequest, url.PathEscape(path))
}

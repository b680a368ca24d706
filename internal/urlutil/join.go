// Package urlutil resolves API operation paths against service base URLs.
package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// Endpoint resolves an operation path like "/v1/auth/login" against a service
// base URL. The base may carry its own path prefix (a service mounted under
// /api) and an optional trailing slash; a query string on the operation path
// is carried through untouched.
func Endpoint(base, op string) (string, error) {
	opPath, query, _ := strings.Cut(op, "?")

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, opPath)
	if strings.HasSuffix(opPath, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = query
	return u.String(), nil
}

package gateway

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a rejection body is kept for error
// messages and logs.
const maxErrorBody = 4 * 1024

// HTTPError is a response the account service rejected. Status and a bounded
// copy of the body are preserved for the caller.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("account service returned status %d: %s", e.Status, e.Body)
}

// IsUnauthorized reports whether the error is a 401 rejection.
func (e *HTTPError) IsUnauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// readLimited reads up to limit bytes and never hides a read failure behind
// an empty string.
func readLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

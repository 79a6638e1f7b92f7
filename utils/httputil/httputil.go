package httputil

import (
	"io"
	"net/http"
)

// RetriableStatus reports whether an upstream HTTP status is worth retrying:
// all 5xx, request timeouts and rate limits.
func RetriableStatus(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// CloseResponse drains a little of the body before closing so small responses
// keep the underlying connection reusable.
func CloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		const maxBodySlurpSize = 2 << 10
		_, _ = io.CopyN(io.Discard, resp.Body, maxBodySlurpSize)
		_ = resp.Body.Close()
	}
}

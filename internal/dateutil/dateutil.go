// Package dateutil formats wall-clock instants as RFC 1123 GMT strings for the
// Date and Last-Modified response headers.
package dateutil

import (
	"net/http"
	"time"
)

// Format renders t as an RFC 1123 date in GMT, e.g. "Sun, 06 Nov 1994 08:49:37 GMT".
func Format(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Now is Format(time.Now()), split out so callers needing the current date don't
// have to thread time.Now() through themselves.
func Now() string {
	return Format(time.Now())
}

// Package httplog logs handled HTTP requests.
package httplog

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Middleware logs method, url, status and duration of every request. For
// websocket upgrades the duration covers the whole connection.
func Middleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			ev := log.Debug()
			if m.Code >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", m.Code).
				Dur("duration", m.Duration).
				Int64("bytes", m.Written).
				Msg("handled")
		})
	}
}

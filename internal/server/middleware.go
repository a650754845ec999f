package server

import (
	"net/http"
	"strconv"
	"time"
)

// responseWriter captures the status code for instrumentation. It
// deliberately does not implement http.Flusher transparently; handlers
// that stream assert the flusher on the wrapper, which forwards it.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.status = status
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so SSE handlers can stream
// through the instrumentation wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request counts, latency, and an access log line
// per request. Paths are fixed route literals, so the path label stays
// low-cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rw.status), elapsed.Seconds())
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", elapsed)
	})
}

// recoverPanics converts a handler panic into a 500 instead of killing
// the connection without a reply. Panics after an SSE stream started
// cannot be folded into JSON anymore; those close the stream.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec)
				if rw, ok := w.(*responseWriter); !ok || !rw.wroteHeader {
					s.jsonError(w, http.StatusInternalServerError, "server_error", "internal server error")
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

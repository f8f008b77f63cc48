package web_server

import (
	"net/http"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"go.uber.org/zap"
)

// Identity headers set by the external auth layer in front of the server.
const (
	headerUserID = "X-User-ID"
	headerAdmin  = "X-Admin"
)

// LoggingResponseWriter is a minimal wrapper for http.ResponseWriter that
// allows the written HTTP status code to be captured for logging.
type LoggingResponseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader wraps the WriteHeader method from http.ResponseWriter in order to
// record the written status.
func (rw *LoggingResponseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs the incoming HTTP request, status, method, path and
// duration.
func (server *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrappedWriter := &LoggingResponseWriter{
			ResponseWriter: w,
		}
		next.ServeHTTP(wrappedWriter, r)
		server.logger.Debug(r.URL.String(),
			zap.Int("status", wrappedWriter.status),
			zap.String("method", r.Method),
			zap.String("path", r.URL.EscapedPath()),
			zap.Duration("duration", time.Since(start)))
	})
}

// noCacheMiddleware forbids caching.
func noCacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Avoid caching.
		w.Header().Set("Cache-Control", "max-age=0, no-cache, must-revalidate, proxy-revalidate")
		next.ServeHTTP(w, r)
	})
}

// requestUserID extracts the authenticated user id from the request. Fails
// with a forbidden error when the auth layer did not set one.
func requestUserID(r *http.Request) (string, error) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		return "", errors.Error{
			Code:    errors.ErrForbidden,
			Kind:    errors.KindUnexpected,
			Message: "missing user identity",
		}
	}
	return userID, nil
}

// isRequestFromAdmin reports whether the auth layer marked the request as
// coming from an admin.
func isRequestFromAdmin(r *http.Request) bool {
	return r.Header.Get(headerAdmin) == "true"
}

// requestAdminID extracts the user id and requires the admin flag.
func requestAdminID(r *http.Request) (string, error) {
	userID, err := requestUserID(r)
	if err != nil {
		return "", err
	}
	if !isRequestFromAdmin(r) {
		return "", errors.Error{
			Code:    errors.ErrForbidden,
			Kind:    errors.KindUnexpected,
			Message: "admin privileges required",
		}
	}
	return userID, nil
}

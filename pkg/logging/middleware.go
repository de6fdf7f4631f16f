package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPMiddleware logs every HTTP request and tags its context with a request
// id taken from X-Request-ID or generated. Posts carrying X-Client-ID are
// logged with that connection id. Event streams are long lived, so their
// open and close are logged at info level; everything else at debug.
func HTTPMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			r = r.WithContext(ContextWithRequestID(r.Context(), requestID))

			fields := []Field{
				RequestID(requestID),
				String("http_method", r.Method),
				String("path", r.URL.Path),
				String("remote_addr", r.RemoteAddr),
			}
			if clientID := r.Header.Get(headerClientID); clientID != "" {
				fields = append(fields, ConnectionID(clientID))
			}
			reqLogger := logger.WithFields(fields...)

			logf := reqLogger.Debug
			if isEventStream(r) {
				logf = reqLogger.Info
			}
			logf("http request started")

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rw, r)

			logf("http request completed",
				Int("status", rw.statusCode),
				Int("bytes", rw.bytesWritten),
				Duration("duration", time.Since(start)),
			)
		})
	}
}

const headerClientID = "X-Client-ID"

func isEventStream(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// responseWriter captures the status code and size. It forwards Flush and
// exposes Unwrap so event streams keep working through it.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

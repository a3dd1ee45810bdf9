package logging

import (
	"net/http"
	"time"
)

// CorrelationHeader carries the correlation ID on requests and responses.
const CorrelationHeader = "X-Correlation-ID"

// HTTPMiddleware tags each request with a correlation ID and logs its
// completion at a level derived from the status code.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = NewCorrelationID()
		}
		ctx := WithCorrelationID(r.Context(), correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(CorrelationHeader, correlationID)

		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		logger := GetGlobalLogger()
		if logger == nil {
			return
		}
		level := DEBUG
		switch {
		case wrapper.statusCode >= 500:
			level = ERROR
		case wrapper.statusCode >= 400 && wrapper.statusCode != http.StatusNotFound:
			level = WARN
		}
		logger.WithDuration(ctx, level, ComponentHTTP, ActionResponse, "HTTP request completed", time.Since(start), Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapper.statusCode,
			"bytes_sent":  wrapper.bytesWritten,
			"remote_ip":   r.RemoteAddr,
		})
	})
}

// responseWrapper captures the status code and bytes written
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

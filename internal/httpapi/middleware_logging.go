package httpapi

import (
	"net/http"
	"strings"

	"transcribeengine/internal/logging"
)

func resolveLogID(r *http.Request) string {
	for _, header := range []string{"X-Log-Id", "X-Request-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}

// LoggingMiddleware tags every request with a log id (taken from the usual
// correlation headers, or freshly minted) and logs the request line.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logID := logging.LogIDFromContext(ctx)
			if logID == "" {
				logID = resolveLogID(r)
				if logID == "" {
					logID = logging.NewLogID()
				}
				ctx = logging.ContextWithLogID(ctx, logID)
			}
			w.Header().Set("X-Log-Id", logID)

			reqLogger := logging.WithLogID(logger, logID)
			reqLogger.Info("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

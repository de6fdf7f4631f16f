package auth

import (
	"encoding/json"
	"net/http"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
	"github.com/mcprotocol/mcprotocol-go/pkg/logging"
)

// Middleware rejects requests that fail v with 401 before calling next. A nil
// validator disables the check.
func Middleware(v Validator, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _ := ExtractBearer(r.Header.Get("Authorization"))
			if err := v.Validate(r.Context(), token); err != nil {
				logger.WithError(err).Warn("rejected request",
					logging.String("path", r.URL.Path),
					logging.String("remote_addr", r.RemoteAddr),
				)
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), token)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		body["code"] = mcpErr.Code()
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(body)
}

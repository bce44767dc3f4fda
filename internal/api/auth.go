package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

// bearerToken returns the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// authorizeOperator checks the operator token and writes the error response when
// the request may not proceed. With no token configured, only endpoints that do
// not require one are served.
func (s *Server) authorizeOperator(w http.ResponseWriter, r *http.Request, required bool) bool {
	want := s.opts.OperatorToken
	if want == "" {
		if required {
			slog.Warn("Server.authorizeOperator: endpoint disabled without OPERATOR_TOKEN", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusForbidden, models.Error("OPERATOR_TOKEN is not configured"))
			return false
		}
		return true
	}
	if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(want)) == 1 {
		return true
	}
	slog.Warn("Server.authorizeOperator: rejected operator request", "path", r.URL.Path, "remote", r.RemoteAddr)
	w.Header().Set("WWW-Authenticate", `Bearer realm="tradebridge"`)
	writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
	return false
}

package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// apiKeyHeader is accepted when a client cannot set Authorization, such as
// a browser EventSource.
const apiKeyHeader = "X-API-Key"

var (
	errNoCredentials  = errors.New("missing API key")
	errBadAuthScheme  = errors.New("authorization scheme must be Bearer")
	errKeyNotAccepted = errors.New("invalid API key")
)

// requestKey returns the key a caller presented, from the bearer token or,
// failing that, the X-API-Key header.
func requestKey(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, _ := strings.Cut(auth, " ")
		if !strings.EqualFold(scheme, "Bearer") {
			return "", errBadAuthScheme
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
		return "", errNoCredentials
	}
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return key, nil
	}
	return "", errNoCredentials
}

// keyAccepted compares in constant time. An unset configured key accepts
// nothing.
func keyAccepted(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := requestKey(r)
		if err == nil && !keyAccepted(key, s.config.APIKey) {
			err = errKeyNotAccepted
		}
		if err != nil {
			s.logger.Warn("api request unauthorized",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
				"reason", err.Error(),
			)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

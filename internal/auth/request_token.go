package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	bearerPrefix     = "Bearer "
	accessTokenQuery = "access_token"
)

// ErrMissingRequestToken indicates that a request carried no usable token.
var ErrMissingRequestToken = errors.New("auth: authorization header missing or invalid")

// RequestToken extracts a bearer token from the Authorization header, falling back to the
// access_token query parameter for clients such as EventSource that cannot set headers.
func RequestToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingRequestToken
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrMissingRequestToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token == "" {
			return "", ErrMissingRequestToken
		}
		return token, nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQuery)); token != "" {
		return token, nil
	}
	return "", ErrMissingRequestToken
}

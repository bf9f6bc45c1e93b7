package auth

import (
    "crypto/subtle"
    "encoding/json"
    "errors"
    "net/http"
    "strings"
)

var (
    // ErrMissingToken indicates that the Authorization header was not provided.
    ErrMissingToken = errors.New("missing API token")
    // ErrInvalidScheme indicates the header did not use the configured scheme.
    ErrInvalidScheme = errors.New("invalid authorization scheme")
    // ErrInvalidToken indicates the token did not match.
    ErrInvalidToken = errors.New("invalid API token")
)

// ExtractToken parses an "Authorization: <scheme> <token>" header.
func ExtractToken(r *http.Request, scheme string) (string, error) {
    header := r.Header.Get("Authorization")
    if header == "" {
        return "", ErrMissingToken
    }

    prefix := scheme + " "
    if !strings.HasPrefix(header, prefix) {
        return "", ErrInvalidScheme
    }

    token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
    if token == "" {
        return "", ErrMissingToken
    }

    return token, nil
}

// HeaderValue formats the Authorization header a client should send.
func HeaderValue(scheme, token string) string {
    return scheme + " " + token
}

// Require rejects requests whose token does not match. An empty expected
// token disables the check.
func Require(scheme, expected string) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        if expected == "" {
            return next
        }
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            token, err := ExtractToken(r, scheme)
            if err == nil && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
                err = ErrInvalidToken
            }
            if err != nil {
                w.Header().Set("Content-Type", "application/json")
                w.WriteHeader(http.StatusUnauthorized)
                _ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": err.Error()})
                return
            }
            next.ServeHTTP(w, r)
        })
    }
}

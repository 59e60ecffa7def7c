package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer rejects requests lacking one of the configured API tokens.
// With no tokens configured the API is open, which is acceptable only for
// loopback development deployments.
func requireBearer(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			const scheme = "Bearer "
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, scheme) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			presented := strings.TrimSpace(strings.TrimPrefix(header, scheme))
			if presented == "" || !tokenAccepted(tokens, presented) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenAccepted(tokens []string, presented string) bool {
	accepted := false
	for _, token := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			accepted = true
		}
	}
	return accepted
}

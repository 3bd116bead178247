// Package middleware содержит HTTP middleware шлюза CoinGate.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// AdminAuth пропускает к служебному API только запросы с заданным bearer-токеном.
type AdminAuth struct {
	digest []byte
}

// NewAdminAuth создаёт проверку по токену. Пустой токен не пропускает ни одного запроса.
func NewAdminAuth(token string) *AdminAuth {
	a := &AdminAuth{}
	if token != "" {
		a.digest = tokenDigest(token)
	}
	return a
}

// Middleware проверяет заголовок Authorization.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(r.Header.Get("Authorization")) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) authorized(header string) bool {
	if a.digest == nil || !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return false
	}
	// Сравниваются дайджесты одинаковой длины, чтобы время не зависело от длины токена.
	return hmac.Equal(tokenDigest(token), a.digest)
}

func tokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Package middleware содержит HTTP middleware сервиса автозакупки.
package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Logger логирует входящие HTTP-запросы.
func Logger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AdminAuth проверяет токен административного API.
type AdminAuth struct {
	token string
}

// NewAdminAuth создаёт middleware проверки административного токена.
// Пустой токен полностью отключает административный API.
func NewAdminAuth(token string) *AdminAuth {
	return &AdminAuth{token: token}
}

// Middleware пропускает запрос только с корректным bearer-токеном.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !hmac.Equal([]byte(got), []byte(a.token)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

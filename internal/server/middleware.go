package server

// middleware.go – cross-cutting HTTP concerns: permissive CORS on every
// route and a recovery wrapper that turns panics into JSON 500s.

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// corsMiddleware allows any origin with credentials. The origin is echoed
// back because the wildcard form is invalid once credentials are allowed.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			h.Set("Access-Control-Allow-Headers", "*")
		}
		h.Set("Access-Control-Expose-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts an escaping panic into a 500 with a JSON body
// so clients never see a half-written frame.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.WithField("panic", rec).Error("handler panicked")
				writeJSON(w, http.StatusInternalServerError, struct {
					Error  string `json:"error"`
					Detail string `json:"detail"`
				}{Error: "Internal Server Error", Detail: fmt.Sprint(rec)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

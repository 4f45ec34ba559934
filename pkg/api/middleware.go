package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// requestKey extracts the client key from X-API-Key or an Authorization bearer token
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// apiKeyMiddleware rejects requests without the configured key. An empty
// key disables authentication.
func apiKeyMiddleware(expectedKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expectedKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r)
			switch {
			case key == "":
				sendError(w, "Missing API key", http.StatusUnauthorized)
			case subtle.ConstantTimeCompare([]byte(key), []byte(expectedKey)) != 1:
				sendError(w, "Invalid API key", http.StatusUnauthorized)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// sendSuccess sends a successful JSON response
func sendSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// sendError sends an error JSON response
func sendError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, APIResponse{Error: message})
}

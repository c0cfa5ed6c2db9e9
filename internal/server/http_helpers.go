package server

import (
	"encoding/json"
	"net/http"
)

// writeMiddlewareError normalises middleware error responses to the API JSON
// shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

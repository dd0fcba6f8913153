package http

import (
	"encoding/json"
	"net/http"
)

// Response is the envelope for framework and handler JSON bodies.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// AuthError is the envelope used by the auth and security stages.
type AuthError struct {
	Error string `json:"error"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a 200 envelope with optional data and message.
func WriteSuccess(w http.ResponseWriter, data interface{}, message string) {
	WriteJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

// WriteMessage writes a framework-generated message envelope.
func WriteMessage(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, Response{Success: statusCode < 400, Message: message})
}

// WriteAuthError writes the {"error": ...} envelope used for auth and
// security failures.
func WriteAuthError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, AuthError{Error: message})
}

// WriteNotFound writes the engine's no-route response.
func WriteNotFound(w http.ResponseWriter) {
	WriteMessage(w, http.StatusNotFound, "Endpoint not found.")
}

// WriteInvalidParameter writes the typed-parameter rejection.
func WriteInvalidParameter(w http.ResponseWriter) {
	WriteMessage(w, http.StatusBadRequest, "Invalid route parameter format.")
}

// WriteInternalError writes the catch-all 500 envelope.
func WriteInternalError(w http.ResponseWriter) {
	WriteMessage(w, http.StatusInternalServerError, "Internal server error.")
}

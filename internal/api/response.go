// Package api provides HTTP response utilities for CounselPipe.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// API response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: StatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: StatusOK, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: StatusError, Message: message}
}

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	// Marshal first so an encoding error can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/banshee-data/lightsheet/internal/codec"
	"github.com/banshee-data/lightsheet/internal/devices"
	"github.com/banshee-data/lightsheet/internal/monitoring"
	"github.com/banshee-data/lightsheet/internal/serialport"
)

// WriteJSONError writes a JSON error response with the given status code and message.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		monitoring.Warnf("failed to encode json error response: %v", err)
	}
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Warnf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// StatusForError maps a device error to an HTTP status. Bad arguments are
// the caller's fault; everything else is blamed on the device.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, devices.ErrInvalidValue),
		errors.Is(err, devices.ErrUnknownOption),
		errors.Is(err, codec.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, serialport.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, serialport.ErrTimeout),
		errors.Is(err, codec.ErrNoResponse):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// WriteDeviceError writes err as a JSON error with the status from
// StatusForError.
func WriteDeviceError(w http.ResponseWriter, err error) {
	WriteJSONError(w, StatusForError(err), err.Error())
}

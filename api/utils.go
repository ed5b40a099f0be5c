package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alin-engine/app"
	"alin-engine/database"

	"go.uber.org/zap"
)

const (
	defaultUserID = "default"
	maxBodyBytes  = 8 << 20
)

// userID resolves the acting user: X-User-ID header, then ?user_id=
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id
	}
	return defaultUserID
}

// getIntParam retrieves an integer query parameter with default value and optional range validation
func getIntParam(r *http.Request, key string, defaultVal int, minVal, maxVal *int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}

	if minVal != nil && val < *minVal {
		return defaultVal
	}
	if maxVal != nil && val > *maxVal {
		return defaultVal
	}

	return val
}

// getFloatParam retrieves a float query parameter with default value
func getFloatParam(r *http.Request, key string, defaultVal float64) float64 {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}

	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return defaultVal
	}

	return val
}

// getTimeParam parses an RFC 3339 query parameter
func getTimeParam(r *http.Request, key string) (*time.Time, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, valStr)
	if err != nil {
		return nil, database.NewValidationErrorWithValue(key, "expected RFC 3339 time", valStr)
	}
	return &t, nil
}

func intPtr(v int) *int { return &v }

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return database.NewValidationError("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	var invalid *app.InvalidSnapshotError
	switch {
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case database.IsValidation(err):
		return http.StatusBadRequest
	case database.IsNotFound(err):
		return http.StatusNotFound
	case database.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondWithError logs the error and sends a JSON error response.
// Internal errors are logged in full and reported generically.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		message = "internal error"
	} else {
		s.logger.Debug("request rejected", zap.Int("status", code), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": message})
}

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/AlfredDev/alfred/internal"
	"github.com/AlfredDev/alfred/internal/ratelimit"
)

// apiError is the JSON error envelope. Every error leaves the gateway in this
// shape exactly once, at the edge.
type apiError struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func errorEnvelope(kind gateway.Kind, msg string, details map[string]any) apiError {
	var e apiError
	e.Error.Kind = string(kind)
	e.Error.Message = msg
	e.Error.Details = details
	return e
}

// writeError maps a gateway error to its HTTP status and envelope. Untyped
// errors are logged server-side and surface as a generic internal error so
// storage and provider internals never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		writeJSON(w, gerr.Kind.HTTPStatus(), errorEnvelope(gerr.Kind, gerr.Message, gerr.Details))
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorEnvelope(gateway.KindInternal, "internal error", nil))
}

// writeRateLimited writes the 429 envelope with the Retry-After header.
func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retry := res.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope(gateway.KindRateLimited, "rate limit exceeded", map[string]any{
		"limit":               res.Limit,
		"retry_after_seconds": retry,
	}))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// maxRequestBody bounds inference request bodies (10 MB).
const maxRequestBody = 10 << 20

// decodeRequestBody limits body size, decodes JSON into v, and writes a 400
// envelope on failure. Returns true if decoding succeeded.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.KindInvalidRequest, "invalid request body: "+err.Error(), nil))
		return false
	}
	return true
}

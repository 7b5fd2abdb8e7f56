// Package httputil writes the gateway's JSON envelopes.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	dErrors "hearth/pkg/domain-errors"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into its status and JSON body.
// Internal and upstream failures never leak their description.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	resp := errorResponse{Error: string(code)}
	if code != dErrors.CodeInternal && code != dErrors.CodeUpstream {
		resp.Description = dErrors.Message(err)
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), resp)
}

// WriteRateLimited writes a 429 with both the Retry-After header and body hint.
func WriteRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	WriteJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:       string(dErrors.CodeRateLimited),
		Description: "too many failed attempts",
		RetryAfter:  retryAfterSeconds,
	})
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// Package httputil holds the JSON response helpers shared by the API
// controllers so every endpoint answers with the same envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
)

// ErrorResponse is the error envelope of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("json encode failed")
	}
}

func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes an error envelope with a machine readable code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "bad_request", message)
}

// InternalError logs err and answers with a generic message.
func InternalError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("internal error")
	Error(w, http.StatusInternalServerError, "internal", "internal server error")
}

// Decode reads the JSON body into dst. It writes a 400 and returns false when
// the body does not parse, or a 413 when it runs past the size limit set by
// the router.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "too_large",
				"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return false
		}
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// QueryInt returns the integer query parameter or def when absent or
// malformed.
func QueryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ServiceError maps the service layer's typed errors onto status codes.
func ServiceError(w http.ResponseWriter, err error) {
	var (
		ve *appErrors.ValidationError
		nf *appErrors.NotFoundError
		ce *appErrors.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		JSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Code: "validation", Details: map[string]string{"field": ve.Field}})
	case errors.As(err, &nf):
		Error(w, http.StatusNotFound, "not_found", nf.Error())
	case errors.As(err, &ce):
		Error(w, http.StatusConflict, "conflict", ce.Error())
	default:
		InternalError(w, err)
	}
}

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/sandeepkv93/keygate/internal/http/response"
	"github.com/sandeepkv93/keygate/internal/service"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{service.ErrValidation, http.StatusBadRequest, "BAD_REQUEST"},
	{service.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{service.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{service.ErrConflict, http.StatusConflict, "CONFLICT"},
	{service.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{service.ErrFull, http.StatusConflict, "KEYSYSTEM_FULL"},
	{service.ErrAntiBypass, http.StatusForbidden, "ANTI_BYPASS"},
	{service.ErrInvalidToken, http.StatusUnauthorized, "INVALID_TOKEN"},
	{service.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
	{service.ErrInvalidOperation, http.StatusUnprocessableEntity, "INVALID_OPERATION"},
	{service.ErrUpstream, http.StatusBadGateway, "UPSTREAM_ERROR"},
}

// writeServiceError maps the service error taxonomy onto the response envelope.
// Anything unrecognised is logged and reported as an opaque 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			response.Error(w, r, m.status, m.code, err.Error(), nil)
			return
		}
	}
	slog.ErrorContext(r.Context(), "unhandled service error", "path", r.URL.Path, "error", err)
	response.Error(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", service.ErrValidation)
		}
		return fmt.Errorf("%w: invalid json body: %v", service.ErrValidation, err)
	}
	return nil
}

// positionParam parses a checkpoint position. Malformed input is a validation
// error; a well-formed number that is not integral is an invalid operation.
func positionParam(raw, name string) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", service.ErrValidation, name)
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be an integer", service.ErrInvalidOperation, name)
	}
	return int(f), nil
}

func positionField(n *json.Number, name string) (int, error) {
	if n == nil {
		return 0, fmt.Errorf("%w: %s is required", service.ErrValidation, name)
	}
	return positionParam(n.String(), name)
}

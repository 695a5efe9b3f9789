package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/xraph/bastion"
)

// mapError maps domain errors to Forge HTTP errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, bastion.ErrEventNotFound),
		errors.Is(err, bastion.ErrAlertNotFound),
		errors.Is(err, bastion.ErrRuleNotFound):
		return forge.NotFound(err.Error())
	case errors.Is(err, bastion.ErrInvalidRule),
		errors.Is(err, bastion.ErrUnknownEventType),
		errors.Is(err, bastion.ErrUnknownRole):
		return forge.BadRequest(err.Error())
	}
	return err
}

// statusFor returns the status written directly for errors forge has no
// helper for.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, bastion.ErrRateLimited):
		return http.StatusTooManyRequests, true
	case errors.Is(err, bastion.ErrCacheUnavailable):
		return http.StatusServiceUnavailable, true
	}
	return 0, false
}

// writeError writes err with its status when statusFor knows it, and falls
// back to mapError otherwise.
func writeError(ctx forge.Context, err error) error {
	if code, ok := statusFor(err); ok {
		return ctx.JSON(code, &ErrorResponse{Error: err.Error()})
	}
	return mapError(err)
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalBool(s string) (*bool, error) {
	switch s {
	case "":
		return nil, nil
	case "true":
		v := true
		return &v, nil
	case "false":
		v := false
		return &v, nil
	}
	return nil, errors.New("expected true or false")
}

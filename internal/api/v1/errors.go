package v1

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
)

// toHTTPError maps a domain error onto a problem response. Unknown errors are
// logged and reported as 500 without detail.
func toHTTPError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound("not found")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidPolicy),
		errors.Is(err, domain.ErrDefaultPolicy):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, domain.ErrInvalidSignature):
		return huma.Error403Forbidden("invalid signature")
	case errors.Is(err, domain.ErrUnauthorized):
		return huma.Error401Unauthorized("unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		return huma.Error403Forbidden("forbidden")
	case errors.Is(err, domain.ErrStoreUnavailable):
		return huma.Error503ServiceUnavailable("store unavailable")
	}
	log.Error().Err(err).Str("op", op).Msg("api: request failed")
	return huma.Error500InternalServerError("internal error")
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/service"
	"github.com/stackbound/agentflow/common/models"
)

// errorBody is the machine-readable error shape for all 4xx/5xx responses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// respondError maps a domain error onto its HTTP status. 4xx responses
// are deterministic; anything unmapped becomes a 500 carrying the
// request id so the fault can be found in the logs.
func respondError(c echo.Context, err error) error {
	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		c.Response().Header().Set("Retry-After", strconv.FormatInt(rle.RetryAfterSeconds, 10))
		return c.JSON(http.StatusTooManyRequests, errorBody{Error: errorDetail{
			Code:    "RateLimited",
			Message: rle.Error(),
		}})
	}

	switch {
	case errors.Is(err, models.ErrBadRequest):
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	case errors.Is(err, models.ErrNotFound):
		return writeError(c, http.StatusNotFound, "NotFound", err)
	case errors.Is(err, models.ErrConflict):
		return writeError(c, http.StatusConflict, "Conflict", err)
	case errors.Is(err, models.ErrStateConflict):
		// Guarded transition refused: the request was well-formed but
		// the entity is in the wrong state.
		return writeError(c, http.StatusBadRequest, "StateConflict", err)
	case errors.Is(err, models.ErrAlreadyResolved):
		return writeError(c, http.StatusBadRequest, "AlreadyResolved", err)
	case errors.Is(err, models.ErrAlreadyClaimed):
		return writeError(c, http.StatusConflict, "AlreadyClaimed", err)
	case errors.Is(err, models.ErrRateLimited):
		return writeError(c, http.StatusTooManyRequests, "RateLimited", err)
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	return c.JSON(http.StatusInternalServerError, errorBody{Error: errorDetail{
		Code:          "Internal",
		Message:       "internal error",
		CorrelationID: requestID,
	}})
}

func writeError(c echo.Context, status int, code string, err error) error {
	return c.JSON(status, errorBody{Error: errorDetail{
		Code:    code,
		Message: err.Error(),
	}})
}

// badID maps a malformed path id to 404 rather than 400: a garbage id
// can never name an existing entity.
func badID(c echo.Context, name string) error {
	return writeError(c, http.StatusNotFound, "NotFound",
		errors.New("no such "+name))
}

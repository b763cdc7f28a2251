package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/amishk599/harvester/internal/model"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Success(c echo.Context, status int, data any) error {
	return c.JSON(status, APIResponse{
		Success: true,
		Data:    data,
	})
}

func Error(c echo.Context, status int, code, message string) error {
	return c.JSON(status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	})
}

// fromError maps domain errors to a status and error code. Unknown errors
// are logged and reported without their text.
func fromError(c echo.Context, logger *slog.Logger, err error) error {
	var invalid *model.InvalidRequestError
	var auditErr *model.AuditWriteError
	switch {
	case errors.As(err, &invalid):
		return Error(c, http.StatusBadRequest, "invalid_request", invalid.Error())
	case errors.Is(err, model.ErrJobNotFound):
		return Error(c, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, model.ErrInvalidTransition):
		return Error(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.As(err, &auditErr):
		return Error(c, http.StatusServiceUnavailable, "audit_unavailable", "audit log unavailable, retry later")
	}
	logger.Error("request failed",
		"method", c.Request().Method,
		"path", c.Path(),
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"error", err,
	)
	return Error(c, http.StatusInternalServerError, "internal", "internal error")
}

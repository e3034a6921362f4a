// README: Base handler utilities (tagged JSON envelope, error mapping, unit conversion).
package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"workshop/internal/modules/booking"
	"workshop/internal/modules/stats"
	"workshop/internal/modules/workorder"
)

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, successResponse{Status: "success", Data: v})
}

func writeError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, errorResponse{Status: "error", Code: code, Message: msg})
}

func writeBadRequest(c *gin.Context, msg string) {
	writeError(c, http.StatusBadRequest, "validation_error", msg)
}

// writeServiceError maps module errors to status codes and stable codes.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workorder.ErrValidation), errors.Is(err, booking.ErrValidation), errors.Is(err, stats.ErrValidation):
		writeError(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, workorder.ErrNotFound), errors.Is(err, booking.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workorder.ErrStopAlreadyOpen):
		writeError(c, http.StatusConflict, "stop_already_open", err.Error())
	case errors.Is(err, workorder.ErrOpenStopPending):
		writeError(c, http.StatusConflict, "open_stop_pending", err.Error())
	case errors.Is(err, workorder.ErrInvalidTransition), errors.Is(err, booking.ErrInvalidTransition):
		writeError(c, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, workorder.ErrConflict), errors.Is(err, booking.ErrConflict):
		writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, workorder.ErrCorruptLedger):
		writeError(c, http.StatusUnprocessableEntity, "corrupt_ledger", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusServiceUnavailable, "cancelled", "request cancelled")
	default:
		_ = c.Error(err)
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled service error")
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func hours(d time.Duration) float64 { return round2(d.Hours()) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// fromHours converts decimal hours to a duration, to the nearest second.
func fromHours(h float64) time.Duration {
	return time.Duration(math.Round(h*3600)) * time.Second
}

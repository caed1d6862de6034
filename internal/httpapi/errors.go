package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core/async"
	"github.com/joseph-ayodele/ocrpipe/internal/core/pipeline"
	"github.com/joseph-ayodele/ocrpipe/internal/ratelimit"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
)

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ratelimit.ErrLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded.")
	case errors.Is(err, pipeline.ErrDuplicateJob):
		return echo.NewHTTPError(http.StatusConflict, "OCR already in progress for this image.")
	case errors.Is(err, async.ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Server is shutting down.")
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not found.")
	case errors.Is(err, common.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "Forbidden.")
	case errors.Is(err, common.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized.")
	case errors.Is(err, common.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Metadata store unavailable.")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal error.").SetInternal(err)
	}
}

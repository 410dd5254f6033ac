package echoambar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/aneshas/eventcore/ambar"
	"github.com/labstack/echo/v4"
)

var _ Projector = (*ambar.Ambar)(nil)

// Projector is an interface for projecting events
type Projector interface {
	Project(ctx context.Context, projection ambar.Projection, data []byte) error
}

// Wrap returns a func wrapper around Ambar projection handler which adapts it to echo.HandlerFunc.
// Ambar is always answered with 200 and the result policy in the body
func Wrap(a Projector) func(projection ambar.Projection) echo.HandlerFunc {
	return func(projection ambar.Projection) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()

			req, err := io.ReadAll(r.Body)
			if err != nil {
				return err
			}

			err = a.Project(r.Context(), projection, req)
			if err != nil {
				if errors.Is(err, ambar.ErrNoRetry) {
					return c.JSONBlob(http.StatusOK, []byte(ambar.SuccessResp))
				}

				if errors.Is(err, ambar.ErrKeepItGoing) {
					logger(c).WarnContext(r.Context(), "ambar event skipped", "err", err)

					return c.JSONBlob(http.StatusOK, []byte(ambar.KeepGoingResp))
				}

				logger(c).ErrorContext(r.Context(), "ambar projection failed, requesting retry", "err", err)

				return c.JSONBlob(http.StatusOK, []byte(ambar.RetryResp))
			}

			return c.JSONBlob(http.StatusOK, []byte(ambar.SuccessResp))
		}
	}
}

// LoggerKey is the echo context key a request scoped *slog.Logger can be stored under
const LoggerKey = "logger"

func logger(c echo.Context) *slog.Logger {
	if l, ok := c.Get(LoggerKey).(*slog.Logger); ok {
		return l
	}

	return slog.Default()
}

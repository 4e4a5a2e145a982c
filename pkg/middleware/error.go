package middleware

import (
	"errors"

	"lumora-core/pkg/errutil"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorHandler maps domain errors onto HTTP responses. Errors outside the
// taxonomy fall through to echo's default handling.
func ErrorHandler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var be errutil.BaseError
			if !errors.As(err, &be) {
				return err
			}

			status := be.Code.HTTPStatus()
			if status >= 500 {
				zap.L().Error("request failed",
					zap.String("path", c.Request().URL.Path),
					zap.Error(err),
				)
			}
			return c.JSON(status, be.JSON())
		}
	}
}

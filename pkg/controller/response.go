package controller

import (
	"net/http"

	"github.com/ordefy/ordefy/pkg/server/router"
)

// OK writes v with 200.
func OK(c router.Context, v any) error {
	return c.JSON(http.StatusOK, v)
}

// Error writes the response m derives from err.
func Error(c router.Context, m Mapper, err error) error {
	status, body := m.MapError(c.Request().Context(), err)
	return c.JSON(status, body)
}

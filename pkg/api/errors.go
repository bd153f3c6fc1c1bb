package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remingtons1/colony/pkg/planner"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/taskgraph"
)

// mapServiceError maps service-layer errors to HTTP responses.
func mapServiceError(c *gin.Context, err error) {
	var validErr *planner.ValidationError
	if errors.As(err, &validErr) {
		abortWithError(c, http.StatusBadRequest, validErr.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "resource not found")
		return
	}
	if errors.Is(err, taskgraph.ErrInvalidTransition) || errors.Is(err, taskgraph.ErrGoalNotActive) {
		abortWithError(c, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		abortWithError(c, http.StatusConflict, "resource already exists")
		return
	}

	slog.Error("Unexpected service error", "error", err)
	abortWithError(c, http.StatusInternalServerError, "internal server error")
}

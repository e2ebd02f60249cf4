package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/modelgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	pgdb "github.com/OFFIS-RIT/modelgraph/pkg/store/pgx"

	"github.com/labstack/echo/v4"
)

// GetRunHandler returns the status and report of one run.
func GetRunHandler(c echo.Context) error {
	type getRunResponse struct {
		Message string    `json:"message"`
		Run     *pgdb.Run `json:"run,omitempty"`
	}

	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, getRunResponse{
			Message: "Invalid run id",
		})
	}

	ctx := c.Request().Context()
	runs := c.(*middleware.AppContext).App.Runs
	run, err := runs.GetRun(ctx, id)
	if errors.Is(err, pgdb.ErrRunNotFound) {
		return c.JSON(http.StatusNotFound, getRunResponse{
			Message: "Run not found",
		})
	}
	if err != nil {
		logger.Error("[API] Failed to load run", "run_id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, getRunResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, getRunResponse{
		Message: "OK",
		Run:     run,
	})
}

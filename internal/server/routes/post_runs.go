package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/pipeline"
	"github.com/OFFIS-RIT/modelgraph/internal/queue"
	"github.com/OFFIS-RIT/modelgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"

	"github.com/labstack/echo/v4"
)

// CreateRunHandler records a new harvest run and queues it for a worker.
func CreateRunHandler(c echo.Context) error {
	type createRunBody struct {
		Latest        int      `json:"latest" validate:"min=0,max=1000"`
		Author        string   `json:"author"`
		Models        []string `json:"models" validate:"max=1000,dive,required"`
		Datasets      []string `json:"datasets" validate:"max=1000,dive,required"`
		MaxIterations *int     `json:"max_iterations" validate:"omitempty,min=0,max=10"`
	}

	type createRunResponse struct {
		Message string `json:"message"`
		RunID   string `json:"run_id,omitempty"`
	}

	data := new(createRunBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Invalid request body",
		})
	}

	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Invalid request body",
		})
	}

	req := pipeline.Request{
		Latest:        data.Latest,
		Author:        data.Author,
		Models:        data.Models,
		Datasets:      data.Datasets,
		MaxIterations: data.MaxIterations,
	}
	if req.Empty() {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Request must select latest models or explicit ids",
		})
	}

	runID, err := util.NewRunID(time.Now())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}
	req.RunID = runID

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App
	if err := app.Runs.CreateRun(ctx, runID, req); err != nil {
		logger.Error("[API] Failed to create run", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}

	body, err := json.Marshal(queue.QueueHarvestMsg{
		Message:       "harvest",
		CorrelationID: runID,
		Request:       req,
	})
	if err == nil {
		err = queue.PublishFIFO(app.Queue, queue.HarvestQueue, body)
	}
	if err != nil {
		logger.Error("[API] Failed to queue run", "run_id", runID, "err", err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ferr := app.Runs.Fail(fctx, runID, nil, err); ferr != nil {
			logger.Error("[API] Failed to mark run as failed", "run_id", runID, "err", ferr)
		}
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Failed to queue run",
		})
	}

	logger.Info("[API] Run queued", "run_id", runID)
	return c.JSON(http.StatusAccepted, createRunResponse{
		Message: "Run queued",
		RunID:   runID,
	})
}

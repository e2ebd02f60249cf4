package middleware

import (
	"context"

	"github.com/OFFIS-RIT/modelgraph/internal/queue"
	pgdb "github.com/OFFIS-RIT/modelgraph/pkg/store/pgx"

	"github.com/labstack/echo/v4"
)

// RunStore is the part of the postgres run store used by the API.
type RunStore interface {
	CreateRun(ctx context.Context, id string, request any) error
	Fail(ctx context.Context, id string, report any, cause error) error
	GetRun(ctx context.Context, id string) (*pgdb.Run, error)
}

type App struct {
	Runs  RunStore
	Queue queue.Channel
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(runs RunStore, ch queue.Channel) echo.MiddlewareFunc {
	app := &App{
		Runs:  runs,
		Queue: ch,
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}

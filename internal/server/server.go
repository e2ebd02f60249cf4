package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/config"
	"github.com/OFFIS-RIT/modelgraph/internal/queue"
	mid "github.com/OFFIS-RIT/modelgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	pgdb "github.com/OFFIS-RIT/modelgraph/pkg/store/pgx"

	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the API with its routes and middleware.
func New(runs mid.RunStore, ch queue.Channel) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(runs, ch))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)
	return e
}

// Init connects to postgres and RabbitMQ and serves the API until SIGINT or
// SIGTERM.
func Init(cfg *config.Config) error {
	if cfg.Postgres.URL == "" {
		return errors.New("DATABASE_URL is required for the API server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pgdb.Migrate(cfg.Postgres.URL); err != nil {
		return err
	}
	conn, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	que, err := queue.Init(cfg.RabbitMQ.URL())
	if err != nil {
		return err
	}
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		return err
	}
	if err := queue.SetupQueues(ch, []string{queue.HarvestQueue}); err != nil {
		return err
	}

	e := New(pgdb.NewRunStore(conn), ch)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "port", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
	return nil
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Get("Metrics")

type (
	Config struct {
		Enabled  bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
		HostAddr string `yaml:"host_addr" env:"METRICS_HOST_ADDR" env-default:"0.0.0.0:9090"`
		Path     string `yaml:"path" env:"METRICS_PATH" env-default:"/metrics" validate:"startswith=/"`
	}

	// Server exposes the Prometheus registry over HTTP.
	Server struct {
		config Config
		ec     *echo.Echo
	}
)

func NewServer(config Config) *Server {
	ec := echo.New()
	ec.HidePort = true
	ec.HideBanner = true
	ec.Use(middleware.Recover())

	ec.GET(config.Path, echo.WrapHandler(promhttp.Handler()))
	ec.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	return &Server{config: config, ec: ec}
}

// Handler returns the underlying HTTP handler so the routes can be
// exercised without binding a port.
func (server *Server) Handler() http.Handler { return server.ec }

func (server *Server) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	defer ctxCancel(nil)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.NEW, "Serving metrics on %s%s\n", server.config.HostAddr, server.config.Path)
		if err := server.ec.Start(server.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.ec.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Metrics server did not shut down cleanly: %s\n", err)
	}
	wg.Wait()

	// Parent cancellation is not an error worth reporting
	if parentCtx.Err() == nil {
		return context.Cause(ctx)
	}

	return nil
}

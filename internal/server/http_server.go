package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	loginapi "go.pilab.hu/fedlogin/api/echo"
	"go.pilab.hu/fedlogin/config"
	"go.pilab.hu/fedlogin/internal/loginflow"
	"go.pilab.hu/fedlogin/log"
	"go.pilab.hu/fedlogin/middleware"
	"go.pilab.hu/fedlogin/services"
)

// NewHTTPServer creates and configures the Echo HTTP server hosting
// the login surface.
func NewHTTPServer(
	cfg *config.Config,
	appLogger log.Logger,
	api *loginapi.LoginAPI,
	flow *loginflow.Controller,
	sessions *services.SessionService,
) *http.Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())

	// Request logging through the application logger interface.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			fields := map[string]interface{}{
				"method":     req.Method,
				"path":       req.URL.Path,
				"status":     c.Response().Status,
				"latency":    time.Since(start).String(),
				"ip":         c.RealIP(),
				"user_agent": req.UserAgent(),
			}
			if err != nil {
				appLogger.Error(req.Context(), "HTTP request failed", err, fields)
			} else {
				appLogger.Info(req.Context(), "HTTP request", fields)
			}
			return err
		}
	})

	e.Use(otelecho.Middleware(cfg.OtelServiceName))

	// Session resolution runs before everything that reads the current
	// session, auto-login included.
	e.Use(middleware.LoadSession(sessions, appLogger))
	if cfg.AutoLogin {
		e.Use(middleware.AutoLogin(flow, loginapi.LoginPath))
	}

	api.RegisterRoutes(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      e,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/substratehq/bootman/cmd/api/api"
	"github.com/substratehq/bootman/cmd/api/config"
	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/instances"
	"github.com/substratehq/bootman/lib/logger"
	"github.com/substratehq/bootman/lib/middleware"
	"github.com/substratehq/bootman/lib/registry"
)

// application holds the initialized components
type application struct {
	Ctx             context.Context
	Logger          *slog.Logger
	Meter           metric.Meter
	Config          *config.Config
	ImageManager    images.Manager
	InstanceManager instances.Manager
	Registry        *registry.Registry
	ApiService      *api.ApiService
}

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newRouter(app)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", app.Config.Port),
		Handler: r,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		app.Logger.Info("starting bootman API server", "port", app.Config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error("failed to shutdown http server", "error", err)
			return err
		}

		app.Logger.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}

func newRouter(app *application) (chi.Router, error) {
	swagger, err := api.GetSwagger()
	if err != nil {
		return nil, err
	}
	// The validator rejects paths it does not know about, so the server
	// URL list must stay empty.
	swagger.Servers = nil

	httpMetrics, err := middleware.NewHTTPMetrics(app.Meter)
	if err != nil {
		return nil, fmt.Errorf("create http metrics: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(otelchi.Middleware("bootman", otelchi.WithChiRoutes(r)))
	r.Use(httpMetrics.Middleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logger.WithContext(req.Context(), app.Logger)))
		})
	})

	// OCI distribution endpoints sit outside the OpenAPI document.
	r.Mount("/v2", app.Registry.Handler())

	r.Group(func(r chi.Router) {
		if app.Config.JwtSecret != "" {
			r.Use(middleware.VerifyJWT(app.Config.JwtSecret))
		}
		r.Use(nethttpmiddleware.OapiRequestValidator(swagger))
		r.Mount("/", app.ApiService.Routes())
	})

	return r, nil
}

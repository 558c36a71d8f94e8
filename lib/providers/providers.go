// Package providers holds the wire provider set shared by the entry points.
package providers

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/substratehq/bootman/cmd/api/config"
	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/index"
	"github.com/substratehq/bootman/lib/instances"
	"github.com/substratehq/bootman/lib/logger"
	botel "github.com/substratehq/bootman/lib/otel"
	"github.com/substratehq/bootman/lib/paths"
	"github.com/substratehq/bootman/lib/registry"
)

// ProvideContext provides a base context.
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the application configuration.
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideTelemetry initializes the OTel SDK.
func ProvideTelemetry(ctx context.Context) (*botel.Providers, func(), error) {
	providers, err := botel.Setup(ctx)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = providers.Shutdown(context.Background())
	}
	return providers, cleanup, nil
}

// ProvideLogger provides the structured logger, bridged to OTLP when logs
// are exported.
func ProvideLogger(cfg *config.Config, telemetry *botel.Providers) *slog.Logger {
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	if telemetry.LogHandler != nil {
		log = slog.New(telemetry.LogHandler)
	}
	slog.SetDefault(log)
	return log
}

// ProvideMeter provides the service meter.
func ProvideMeter(telemetry *botel.Providers) metric.Meter {
	return telemetry.Meter
}

// ProvidePaths provides the data directory layout.
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideIndexSource provides the package index client.
func ProvideIndexSource(cfg *config.Config) index.Source {
	return index.NewClient(cfg.IndexURL)
}

// ProvideImageManager provides the image manager.
func ProvideImageManager(p *paths.Paths, source index.Source, cfg *config.Config, log *slog.Logger, meter metric.Meter) (images.Manager, error) {
	return images.NewManager(p, source, cfg.MaxConcurrentBuilds, cfg.MaxSourceBytes, log, meter)
}

// ProvideInstanceManager provides the instance manager.
func ProvideInstanceManager(p *paths.Paths, imageMgr images.Manager, cfg *config.Config, log *slog.Logger, meter metric.Meter) (instances.Manager, error) {
	return instances.NewManager(p, imageMgr, cfg.ProbeTimeout, cfg.StopGrace, log, meter)
}

// ProvideRegistry provides the image pull registry.
func ProvideRegistry(imageMgr images.Manager) *registry.Registry {
	return registry.New(imageMgr)
}

//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/substratehq/bootman/cmd/api/api"
	"github.com/substratehq/bootman/lib/providers"
)

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvideMeter,
		providers.ProvidePaths,
		providers.ProvideIndexSource,
		providers.ProvideImageManager,
		providers.ProvideInstanceManager,
		providers.ProvideRegistry,
		api.New,
		wire.Struct(new(application), "*"),
	))
}

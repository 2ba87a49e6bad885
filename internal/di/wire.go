//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"orderflow-backend/internal/config"
	"orderflow-backend/internal/infrastructure/tracing"
)

// InitializeContainer assembles the runtime for the given configuration.
func InitializeContainer(ctx context.Context, cfg *config.Config, tp *tracing.TracerProvider) (*Container, error) {
	wire.Build(ProviderSet)
	return nil, nil
}

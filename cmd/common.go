package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/prmindmap/internal/aiconnectors"
	"github.com/prmindmap/internal/config"
	"github.com/prmindmap/internal/inference"
	"github.com/prmindmap/internal/logging"
)

func setupLogging(c *cli.Context, cfg *config.Config) {
	level := cfg.Logging.Level
	if c.Bool("verbose") {
		level = "debug"
	}
	logging.Setup(level, cfg.Logging.Pretty)
}

// newBackend returns the inference backend of the default AI provider
func newBackend(ctx context.Context, cfg *config.Config) (inference.Backend, error) {
	opts := cfg.ConnectorOptions()
	if opts.Provider == aiconnectors.ProviderOffline {
		return aiconnectors.Offline{}, nil
	}
	connector, err := aiconnectors.NewConnector(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", opts.Provider, err)
	}
	log.Info().
		Str("provider", string(connector.GetProvider())).
		Str("model", connector.GetModel()).
		Msg("Using AI connector")
	return connector, nil
}

func aiconnectorsPing(ctx context.Context, cfg *config.Config) error {
	return aiconnectors.Ping(ctx, cfg.ConnectorOptions())
}

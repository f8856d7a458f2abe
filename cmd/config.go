package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/prmindmap/internal/aiconnectors"
	"github.com/prmindmap/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "prmindmap.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:  "validate",
				Usage: "Validate the configuration file",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "ping",
						Usage: "Also check the credentials of the default AI provider",
					},
				},
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.Bool("ping") && cfg.General.DefaultAI != "offline" {
		if err := aiconnectorsPing(c.Context, cfg); err != nil {
			return fmt.Errorf("provider check failed: %w", err)
		}
		fmt.Printf("Provider %s is reachable\n", cfg.General.DefaultAI)
	}

	fmt.Println("Configuration is valid")
	return nil
}

// loadConfig reads the file named by the global --config flag, validates
// it and applies the logging section. A --dry-run command always uses the
// offline backend.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.Bool("dry-run") {
		cfg.General.DefaultAI = string(aiconnectors.ProviderOffline)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(c, cfg)
	return cfg, nil
}

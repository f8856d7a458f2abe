package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/prmindmap/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "prmindmap",
		Usage:   "Organize the themes of a pull request into a hierarchical mindmap",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default ./prmindmap.toml, then ~/.prmindmap.toml)",
			},
		},
		Commands: []*cli.Command{
			cmd.GenerateCommand(),
			cmd.ServeCommand(),
			cmd.TokenCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

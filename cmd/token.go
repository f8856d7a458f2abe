package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/prmindmap/internal/api"
)

// TokenCommand returns the token command
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for the API, signed with server.jwt_secret",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "subject",
				Aliases:  []string{"s"},
				Usage:    "Who the token is for",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime, 0 for no expiry",
				Value: 30 * 24 * time.Hour,
			},
		},
		Action: runToken,
	}
}

func runToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not set")
	}

	token, err := api.IssueToken(cfg.Server.JWTSecret, c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

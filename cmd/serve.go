package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/prmindmap/internal/api"
	"github.com/prmindmap/internal/config"
	"github.com/prmindmap/internal/jobqueue"
	"github.com/prmindmap/internal/mindmap"
)

// ServeCommand returns the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the background job workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Override server.listen",
			},
			&cli.BoolFlag{
				Name:  "skip-migrations",
				Usage: "Do not apply the database schema on startup",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runServe,
	}
}

// stoppableQueue is an api.Queue that can be shut down
type stoppableQueue interface {
	api.Queue
	Stop(ctx context.Context) error
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	pipeline := mindmap.New(backend, cfg.MindmapConfig())

	queue, err := startQueue(ctx, cfg, pipeline, !c.Bool("skip-migrations"))
	if err != nil {
		pipeline.Close(context.Background())
		return err
	}

	serverCfg := api.DefaultConfig()
	serverCfg.Listen = cfg.Server.Listen
	serverCfg.JWTSecret = cfg.Server.JWTSecret
	serverCfg.AuditDir = cfg.Logging.AuditDir
	server := api.NewServer(serverCfg, pipeline, queue)

	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Job queue did not stop cleanly")
	}
	pipeline.Close(shutdownCtx)
	return serveErr
}

func queueConfig(cfg *config.Config) *jobqueue.QueueConfig {
	qcfg := jobqueue.DefaultQueueConfig()
	if cfg.Server.Workers > 0 {
		qcfg.MaxWorkers = cfg.Server.Workers
	}
	if timeout := cfg.MindmapConfig().RunTimeout; timeout > 0 {
		qcfg.JobTimeout = timeout + 5*time.Minute
	}
	qcfg.AuditDir = cfg.Logging.AuditDir
	return qcfg
}

// startQueue uses River when a database is configured and the in-process
// queue otherwise
func startQueue(ctx context.Context, cfg *config.Config, runner jobqueue.Runner, migrate bool) (stoppableQueue, error) {
	qcfg := queueConfig(cfg)
	if cfg.Server.DatabaseURL == "" {
		log.Warn().Msg("server.database_url is empty, background runs are kept in memory")
		return jobqueue.NewLocalQueue(runner, qcfg), nil
	}

	jq, err := jobqueue.NewJobQueue(ctx, cfg.Server.DatabaseURL, runner, qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue: %w", err)
	}
	if migrate {
		if err := jq.Migrate(ctx); err != nil {
			_ = jq.Stop(context.Background())
			return nil, err
		}
	}
	// workers stop through Stop, not through the signal context
	if err := jq.Start(context.WithoutCancel(ctx)); err != nil {
		_ = jq.Stop(context.Background())
		return nil, fmt.Errorf("failed to start job queue: %w", err)
	}
	log.Info().Int("workers", qcfg.MaxWorkers).Msg("Job queue started")
	return jq, nil
}

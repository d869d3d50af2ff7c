package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/iobaixas/nack/config"
	nackconf "github.com/iobaixas/nack/internal/conf"
	"github.com/iobaixas/nack/internal/logging"
	"github.com/iobaixas/nack/internal/server"
	"github.com/iobaixas/nack/pool"
)

var (
	serveCmdDescription = `The serve command starts a http server that proxies every
request to a worker drawn from a supervised pool, and blocks
until interrupted.`
	serveCmd = &cli.Command{
		Name:        "serve",
		Usage:       "Start the reverse proxy and worker pool.",
		Description: serveCmdDescription,
		Action:      serveAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Aliases:  []string{"H"},
				Usage:    "the host to listen on.",
				Category: "http",
				EnvVars:  []string{"NACK_HOST"},
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"P"},
				Usage:    "the port to listen on.",
				Category: "http",
				EnvVars:  []string{"NACK_PORT"},
			},
			&cli.BoolFlag{
				Name:     "h2c",
				Usage:    "enable HTTP/2 cleartext upgrade.",
				Category: "http",
				EnvVars:  []string{"NACK_H2C"},
			},
			&cli.StringFlag{
				Name:     "worker",
				Usage:    "the worker program to spawn.",
				Category: "pool",
				EnvVars:  []string{"NACK_WORKER"},
			},
			&cli.IntFlag{
				Name:     "size",
				Usage:    "the fixed number of workers in the pool.",
				Category: "pool",
				EnvVars:  []string{"NACK_SIZE"},
			},
			&cli.DurationFlag{
				Name:     "idle",
				Usage:    "quit a busy worker after this long with no release.",
				Category: "pool",
				EnvVars:  []string{"NACK_IDLE"},
			},
		},
		ArgsUsage: "<worker-config>",
	}
)

func init() {
	rootApp.Commands = append(rootApp.Commands, serveCmd)
}

func serveAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := nackconf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	configPath := ctx.Args().First()
	if configPath == "" {
		return cli.Exit("missing required <worker-config> argument", 1)
	}

	opts := cfg.Pool.ToPoolOptions()
	if v := ctx.String("worker"); v != "" {
		opts.Program = v
	}
	if v := ctx.Int("size"); v != 0 {
		opts.Size = v
	}
	if v := ctx.Duration("idle"); v != 0 {
		opts.Idle = v
	}

	var reporter pool.ErrorReporter
	if os.Getenv("SENTRY_DSN") != "" {
		reporter = pool.NewSentryReporter(nil)
	}

	p, err := pool.New(configPath, opts, log, reporter)
	if err != nil {
		return err
	}

	spawnCtx, cancelSpawn := context.WithTimeout(ctx.Context, 10*time.Second)
	defer cancelSpawn()
	if err := p.Spawn(spawnCtx); err != nil {
		return err
	}

	httpCfg := cfg.Http
	if v := ctx.String("host"); v != "" {
		httpCfg.Host = v
	}
	if v := ctx.Int("port"); v != 0 {
		httpCfg.Port = v
	}
	if ctx.Bool("h2c") {
		httpCfg.H2c = true
	}

	srv := server.New(httpCfg, p, log)

	serveCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(serveCtx) }()

	select {
	case <-serveCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = p.Terminate()

	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/iobaixas/nack/config"
	"github.com/iobaixas/nack/internal/conf"
	"github.com/iobaixas/nack/internal/logging"
)

var (
	appName  = "nack"
	appUsage = `A local-development reverse proxy that supervises a pool of
worker processes and dispatches each request to one over a small
framed socket protocol.`
	rootApp = &cli.App{
		Name:            appName,
		Usage:           appUsage,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level. Options: debug, info, warn, error.",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "set the log format. Options: console, json.",
				EnvVars: []string{"LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a JSON config file.",
				EnvVars: []string{"NACK_CONFIG"},
			},
		},
		Before: func(ctx *cli.Context) error {
			log, err := createLogger(ctx)
			if err != nil {
				return err
			}
			ctx.Context = logging.ContextWithLogger(ctx.Context, log)

			cfg, err := conf.Parse[config.Config](conf.ParseOptions{
				Cli:       ctx,
				Defaults:  config.Defaults(),
				EnvPrefix: "NACK_",
				FileName:  ctx.String("config"),
				Log:       log,
			})
			if err != nil {
				return err
			}
			ctx.Context = conf.ContextWithConfig(ctx.Context, cfg)

			return nil
		},
		After: func(ctx *cli.Context) error {
			log, err := logging.LoggerFromContext(ctx.Context)
			if err != nil {
				return err
			}
			return log.Sync()
		},
	}
)

// ExecuteParams carries build metadata into the CLI's --version output.
type ExecuteParams struct {
	Version  string
	Compiled time.Time
}

// Execute runs the CLI with os.Args, exiting the process on error.
func Execute(params ExecuteParams) {
	rootApp.Version = params.Version
	rootApp.Compiled = params.Compiled

	run(context.Background(), os.Args)
}

func run(ctx context.Context, args []string) {
	if err := rootApp.RunContext(ctx, args); err != nil {
		fmt.Printf("exit error: %s\n", err.Error())
		os.Exit(1)
	}
}

func createLogger(ctx *cli.Context) (*zap.Logger, error) {
	level := getLogLevelFromCLI(ctx)
	format := getLogFormatFromCLI(ctx)

	var zcfg zap.Config
	if format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	zcfg.InitialFields = map[string]any{"app": appName}
	zcfg.Level = level

	return zcfg.Build()
}

func getLogFormatFromCLI(ctx *cli.Context) string {
	if format := ctx.String("log-format"); format != "" {
		return format
	}
	return "console"
}

func getLogLevelFromCLI(ctx *cli.Context) zap.AtomicLevel {
	if atom, err := zap.ParseAtomicLevel(ctx.String("log-level")); err == nil {
		return atom
	}
	return zap.NewAtomicLevelAt(zap.InfoLevel)
}

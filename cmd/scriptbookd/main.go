package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scriptbook/scriptbook/config"
	"github.com/scriptbook/scriptbook/engine"
	"github.com/scriptbook/scriptbook/engine/proc"
	"github.com/scriptbook/scriptbook/engine/proc/dockerproc"
	"github.com/scriptbook/scriptbook/server"
)

const teardownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "scriptbookd",
		Usage: "execution daemon for Markdown script blocks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "work-dir",
				Usage: "Working directory for spawned processes.",
			},
			&cli.StringFlag{
				Name:  "interpreters",
				Usage: "Path to a YAML file mapping block languages to interpreters.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
			},
			&cli.IntFlag{
				Name:  "replay-events",
				Usage: "How many output events each session buffers for re-attaching clients.",
			},
			&cli.DurationFlag{
				Name:  "exec-timeout",
				Usage: "Maximum script runtime before the process is killed. Zero disables the limit.",
			},
			&cli.StringFlag{
				Name:  "docker-image",
				Usage: "Run each block in a container of this image instead of a host process.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v := cliCtx.String("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := cliCtx.String("work-dir"); v != "" {
		cfg.WorkDir = v
	}
	if v := cliCtx.String("interpreters"); v != "" {
		cfg.InterpretersFile = v
	}
	if v := cliCtx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cliCtx.Int("replay-events"); v > 0 {
		cfg.ReplayEvents = v
	}
	if v := cliCtx.Duration("exec-timeout"); v > 0 {
		cfg.ExecTimeout = v
	}
	if v := cliCtx.String("docker-image"); v != "" {
		cfg.DockerImage = v
	}

	var level zapcore.Level
	if err := level.Set(cfg.LogLevel); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	slog := logger.Named("scriptbookd").Sugar()

	interpreters, err := config.LoadInterpreters(cfg.InterpretersFile, cfg.WorkDir)
	if err != nil {
		return err
	}

	var spawner proc.Spawner
	if cfg.DockerImage != "" {
		dockerSpawner, err := dockerproc.NewSpawner(slog, cfg.DockerImage)
		if err != nil {
			return err
		}
		slog.Infof("pulling image %s", cfg.DockerImage)
		if err := dockerSpawner.PullImage(cliCtx.Context); err != nil {
			return err
		}
		spawner = dockerSpawner
	} else {
		spawner = proc.NewLocalSpawner(slog)
	}

	registry := engine.NewRegistry(slog, spawner,
		engine.WithReplayCapacity(cfg.ReplayEvents),
		engine.WithExecTimeout(cfg.ExecTimeout),
	)

	srv, err := server.New(registry,
		server.WithLogger(logger),
		server.WithListenAddr(cfg.ListenAddr),
		server.WithWorkDir(cfg.WorkDir),
		server.WithInterpreters(interpreters),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	// On SIGINT/SIGTERM, kill every live script before exiting so no child
	// process is orphaned.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			slog.Errorf("shutdown error: %s", err)
		}
	}()

	return srv.Run()
}

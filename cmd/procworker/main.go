package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/procworker/agent"
	"github.com/guseggert/procworker/internal/config"
	"github.com/guseggert/procworker/process"
	"github.com/guseggert/procworker/reactor"
	"github.com/guseggert/procworker/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func logger(ctx *cli.Context) *zap.Logger {
	return ctx.App.Metadata["logger"].(*zap.Logger)
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "procworker",
		Metadata: map[string]interface{}{},
		Usage:    "supervise processes and stream their output",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "The log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"PROCWORKER_LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			l, err := newLogger(ctx.String("log-level"))
			if err != nil {
				return err
			}
			ctx.App.Metadata["logger"] = l
			return nil
		},
		After: func(ctx *cli.Context) error {
			if l, ok := ctx.App.Metadata["logger"].(*zap.Logger); ok {
				_ = l.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			serveCommand,
			streamCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a command and copy its output to stdout",
	ArgsUsage: "COMMAND",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "combined",
			Usage: "Also stream the command's stderr.",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "The maximum number of bytes read per output event.",
			Value: supervisor.DefaultChunkSize,
		},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() != 1 {
			return cli.Exit("exactly one command is required", 2)
		}
		command := cliCtx.Args().First()
		l := logger(cliCtx)

		loop, err := reactor.New(reactor.WithLogger(l))
		if err != nil {
			return fmt.Errorf("building loop: %w", err)
		}
		defer loop.Close()

		ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var handleOpts []process.Option
		if cliCtx.Bool("combined") {
			handleOpts = append(handleOpts, process.WithCombinedOutput())
		}
		sup, err := supervisor.New(command, loop,
			supervisor.WithHandle(process.NewDefaultHandle(command, append(handleOpts, process.WithLogger(l))...)),
			supervisor.WithChunkSize(cliCtx.Int("chunk-size")),
			supervisor.WithUnit(supervisor.UnitFunc(cancel)),
			supervisor.WithLogger(l),
		)
		if err != nil {
			return err
		}

		var writeErr error
		sup.SetOnOutput(func(_ *supervisor.Supervisor, b []byte) {
			if writeErr != nil {
				return
			}
			if _, err := cliCtx.App.Writer.Write(b); err != nil {
				writeErr = err
				cancel()
			}
		})

		var startErr error
		err = loop.Post(func() {
			if startErr = sup.Start(); startErr != nil {
				cancel()
			}
		})
		if err != nil {
			return err
		}
		if err := loop.Run(ctx); err != nil {
			return err
		}
		// The loop has returned, so nothing else touches the supervisor.
		sup.Stop()
		<-sup.Reaped()

		switch {
		case startErr != nil:
			return startErr
		case writeErr != nil:
			return fmt.Errorf("writing output: %w", writeErr)
		}
		if code, ok := sup.ExitCode(); ok && code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the configured streams over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Usage:    "The YAML file defining the streams.",
			Required: true,
			EnvVars:  []string{"PROCWORKER_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "127.0.0.1:8080",
		},
	},
	Action: func(cliCtx *cli.Context) error {
		l := logger(cliCtx)
		cfg, err := config.Load(cliCtx.String("config"))
		if err != nil {
			return err
		}

		loop, err := reactor.New(reactor.WithLogger(l))
		if err != nil {
			return fmt.Errorf("building loop: %w", err)
		}
		defer loop.Close()

		a, err := agent.New(loop, cfg,
			agent.WithLogger(l),
			agent.WithListenAddr(cliCtx.String("listen-addr")),
		)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The loop outlives the group context so that the agent can stop its supervisors on it.
		loopCtx, stopLoop := context.WithCancel(context.Background())
		defer stopLoop()

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return loop.Run(loopCtx)
		})
		group.Go(func() error {
			return a.Run()
		})
		group.Go(func() error {
			<-groupCtx.Done()
			defer stopLoop()
			return a.Stop()
		})
		return group.Wait()
	},
}

var streamCommand = &cli.Command{
	Name:      "stream",
	Usage:     "stream a configured command's output from an agent",
	ArgsUsage: "NAME",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "The agent's base URL.",
			Value:   "http://127.0.0.1:8080",
			EnvVars: []string{"PROCWORKER_ADDR"},
		},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() != 1 {
			return cli.Exit("exactly one stream name is required", 2)
		}
		l := logger(cliCtx)

		client, err := agent.NewClient(l.Sugar(), cliCtx.String("addr"))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := client.Stream(ctx, cliCtx.Args().First(), cliCtx.App.Writer)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.Sugar().Debugw("stream exited", "ID", res.ID, "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
		if res.ExitCode != 0 {
			return cli.Exit("", res.ExitCode)
		}
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/edutalk/chatsync/pkg/chatapi"
	"github.com/edutalk/chatsync/pkg/chatsync"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyAPIClient
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *chatsync.Config {
	return ctx.Context.Value(contextKeyConfig).(*chatsync.Config)
}

func getAPIClient(ctx *cli.Context) *chatapi.Client {
	val := ctx.Context.Value(contextKeyAPIClient)
	if val == nil {
		return nil
	}
	return val.(*chatapi.Client)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatctl", "config.yaml")
}

func makeLogger(ctx *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}

func prepareApp(ctx *cli.Context) error {
	log := makeLogger(ctx)
	newCtx := context.WithValue(ctx.Context, contextKeyLogger, log)

	cfgPath := ctx.String("config")
	cfg, err := chatsync.LoadConfig(cfgPath)
	if os.IsNotExist(err) {
		cfg = &chatsync.Config{APIURL: ctx.String("api-url")}
		if cfg.APIURL == "" {
			return fmt.Errorf("no config at %s; pass --api-url or run 'chatctl login'", cfgPath)
		}
		if err = cfg.PostProcess(); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if apiURL := ctx.String("api-url"); apiURL != "" {
		cfg.APIURL = apiURL
	}

	newCtx = context.WithValue(newCtx, contextKeyConfig, cfg)
	if cfg.Token != "" {
		newCtx = context.WithValue(newCtx, contextKeyAPIClient,
			chatapi.NewClient(cfg.APIURL, cfg.Token, cfg.UserID, log))
	}
	ctx.Context = newCtx
	return nil
}

func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if getAPIClient(ctx) == nil {
		return fmt.Errorf("you are not logged in, run 'chatctl login' first")
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatctl",
		Usage:   "Interact with EduTalk chat from the terminal",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "Override the chat API base URL",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			threadsCommand,
			sendCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

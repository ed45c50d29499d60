package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"market-feeder/src/config"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/urfave/cli/v3"
)

// -----------------------------------------------------------------------------

func main() {
	cmd := &cli.Command{
		Name:  "market-feeder",
		Usage: "Market data distribution server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config `FILE`",
				Value:   "config/default.yaml",
				Sources: cli.EnvVars("FEEDER_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			pingCommand(),
			watchCommand(),
		},
		DefaultCommand: "serve",
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "market-feeder: %v\n", err)
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the stream, registry, admin and control servers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-folder", Usage: "historical data folder"},
			&cli.StringFlag{Name: "ssl-folder", Usage: "folder holding cert.pem and key.pem"},
			&cli.StringFlag{Name: "host", Usage: "listen address"},
			&cli.IntFlag{Name: "stream-port", Usage: "streaming port"},
			&cli.IntFlag{Name: "registry-port", Usage: "registry port"},
			&cli.IntFlag{Name: "max-downloads", Usage: "concurrent historical downloads"},
			&cli.IntFlag{Name: "update-seconds", Usage: "historical update interval"},
			&cli.BoolFlag{Name: "bitget", Usage: "enable the bitget vendor"},
			&cli.BoolFlag{Name: "simulated", Usage: "enable the simulated vendor"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warning or error"},
		},
		Action: serveAction,
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.NewConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if v := cmd.String("data-folder"); v != "" {
		cfg.DataFolder = v
	}
	if v := cmd.String("ssl-folder"); v != "" {
		cfg.SSLFolder = v
	}
	if v := cmd.String("host"); v != "" {
		cfg.Host = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.Int("stream-port"); v > 0 {
		cfg.StreamPort = int(v)
	}
	if v := cmd.Int("registry-port"); v > 0 {
		cfg.RegistryPort = int(v)
	}
	if v := cmd.Int("max-downloads"); v > 0 {
		cfg.DataSource.MaxConcurrentDownloads = int(v)
	}
	if v := cmd.Int("update-seconds"); v > 0 {
		cfg.DataSource.UpdateIntervalSeconds = int(v)
	}
	if cmd.IsSet("bitget") {
		cfg.SetVendorEnabled(models.VendorBitget, cmd.Bool("bitget"))
	}
	if cmd.IsSet("simulated") {
		cfg.SetVendorEnabled(models.VendorSimulated, cmd.Bool("simulated"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	appLogger := logger.NewLogger(cfg.MConfig, cfg.Name)
	defer appLogger.Sync()

	a, err := newApp(cfg, appLogger)
	if err != nil {
		appLogger.Critical("Failed to initialize: %v", err)
		return err
	}
	defer a.close()

	appLogger.Info("Initialization complete.")
	return a.run(ctx)
}

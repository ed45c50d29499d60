package main

import (
	"context"
	"fmt"
	"time"

	"market-feeder/src/client"
	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

// The probe commands talk to a running server the way a strategy client
// does, through the routing table and the streaming port.

func probeDialer(cmd *cli.Command) (client.Dialer, error) {
	d := client.Dialer{Retry: helpers.DefaultRetryConfig(), Logger: logger.NewLogger(nil, "probe")}
	if ca := cmd.String("ca"); ca != "" {
		tlsCfg, err := client.ClientTLSConfig(ca, cmd.String("server-name"))
		if err != nil {
			return d, err
		}
		d.TLS = tlsCfg
	}
	return d, nil
}

var probeFlags = []cli.Flag{
	&cli.StringFlag{Name: "ca", Usage: "PEM bundle trusted for TLS; plain TCP when empty"},
	&cli.StringFlag{Name: "server-name", Usage: "TLS server name", Value: "localhost"},
}

// -----------------------------------------------------------------------------

func pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Send a heartbeat over every configured route",
		Flags: probeFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			table := client.RouteTable(cfg.Routes)
			if len(table) == 0 {
				table[string(models.ConnectionDefault)] = fmt.Sprintf("%s:%d", cfg.Host, cfg.RegistryPort)
			}

			d, err := probeDialer(cmd)
			if err != nil {
				return err
			}
			disp, err := client.DialRoutes(ctx, d, table)
			if err != nil {
				return err
			}
			defer disp.Close()

			for key := range table {
				ct, _ := models.ParseConnectionType(key)
				conn, err := disp.ConnectionFor(ct)
				if err != nil {
					return err
				}
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				rtt, err := conn.Ping(pingCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				fmt.Printf("%-24s %s\n", key, rtt)
			}
			return nil
		},
	}
}

// -----------------------------------------------------------------------------

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Subscribe on the streaming port and print every TimeSlice",
		ArgsUsage: "<vendor:market:symbol> <resolution> <type> [candle]",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{Name: "flush", Usage: "flush interval requested at registration", Value: time.Second},
		}, probeFlags...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 3 {
				return fmt.Errorf("expected symbol, resolution and type")
			}
			sym, err := models.ParseSymbol(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			res, err := models.ParseResolution(cmd.Args().Get(1))
			if err != nil {
				return err
			}
			sub := models.NewSubscription(sym, res, models.BaseDataType(cmd.Args().Get(2)), models.CandleType(cmd.Args().Get(3)))

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			d, err := probeDialer(cmd)
			if err != nil {
				return err
			}
			sc, err := d.Stream(ctx, fmt.Sprintf("%s:%d", cfg.Host, cfg.StreamPort), 0, cmd.Duration("flush"))
			if err != nil {
				return err
			}
			defer sc.Close()
			if err := sc.Subscribe(sub); err != nil {
				return err
			}

			for {
				ts, err := sc.Recv(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, ev := range ts.Events() {
					line, _ := json.Marshal(ev)
					fmt.Printf("%s %s\n", ev.TimeClosedUTC().Format(time.RFC3339Nano), line)
				}
			}
		},
	}
}

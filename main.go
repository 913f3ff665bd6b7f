package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/amber-price-integration/cmd"
)

func main() {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "INFO",
		},
		&cli.StringSliceFlag{
			Name:    "postcode",
			Aliases: []string{"p"},
			Usage:   "postcode to track, repeatable",
		},
		&cli.IntFlag{
			Name:  "past-hours",
			Usage: "hours of history to request (1-24)",
		},
		&cli.StringFlag{
			Name:  "mqtt-host",
			Usage: "mqtt broker url, publishing is disabled when empty",
		},
		&cli.StringFlag{
			Name:  "http-addr",
			Usage: "http listen address, the api is disabled when empty",
		},
	}

	app := &cli.App{
		Name:   "amber-prices",
		Usage:  "current and next Amber Electric prices for Home Assistant",
		Action: cmd.ServeCommand,
		Flags:  flags,
		Commands: []*cli.Command{
			{
				Name:      "fetch",
				Usage:     "refresh once and print the price snapshot",
				ArgsUsage: "[postcode...]",
				Action:    cmd.FetchCommand,
				Flags:     flags,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

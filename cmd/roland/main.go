// Command roland is the host control plane for the Roland robot. It links to
// the microcontroller over serial, runs the control modes and serves the
// operator websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"roland/internal/core"
	"roland/internal/model"
	"roland/internal/util"
)

func main() {
	app := cli.NewApp()
	app.Name = "roland"
	app.Usage = "run the robot host control plane"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "configs/config.yml",
			Usage: "path to configuration file",
		},
		cli.StringFlag{
			Name:  "device, d",
			Usage: "controller serial port (default: first port matching serial.pattern)",
		},
		cli.StringFlag{
			Name:  "addr",
			Usage: "operator gateway listen address",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log.level",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("roland exited")
	}
}

func run(c *cli.Context) error {
	cfgPath := c.String("config")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) && !c.IsSet("config") {
		cfgPath = ""
	}

	sys, err := core.NewSystem(cfgPath, core.Overrides{
		Device:      c.String("device"),
		GatewayAddr: c.String("addr"),
	})
	if err != nil {
		return err
	}
	if err := setupLogging(sys.Config(), c.String("log-level")); err != nil {
		return err
	}
	if cfgPath == "" {
		log.Info().Msg("no configuration file, using defaults")
	} else {
		log.Info().Str("config", cfgPath).Msg("configuration loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sys.StartAll(ctx); err != nil {
		return err
	}

	var cause error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-sys.Done():
		cause = sys.Err()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sys.StopAll(stopCtx)

	if cause != nil {
		return fmt.Errorf("controller link: %w", cause)
	}
	return nil
}

func setupLogging(cfg *model.Config, level string) error {
	if level == "" {
		level = cfg.Log.Level
	}
	return util.SetupLogger(level, cfg.Log.Pretty)
}

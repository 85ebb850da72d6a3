// Command simulation stands in for the robot's microcontroller. It serves the
// serial protocol on a real or virtual port, applying commands to a simulated
// chassis and streaming ranging and track sensor readings back.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"roland/internal/device"
	"roland/internal/mcu"
	"roland/internal/protocol"
	"roland/internal/util"
)

func main() {
	app := cli.NewApp()
	app.Name = "simulation"
	app.Usage = "simulate the robot controller on a serial port"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "device, d",
			Usage: "serial port to serve",
		},
		cli.BoolFlag{
			Name:  "virtual",
			Usage: "create a socat PTY pair and serve one end",
		},
		cli.StringFlag{
			Name:  "host-link",
			Value: filepath.Join(os.TempDir(), "ttyACM-roland"),
			Usage: "with --virtual, the path the host should open",
		},
		cli.IntFlag{
			Name:  "baud",
			Value: device.DefaultBaud,
		},
		cli.Float64Flag{
			Name:  "gap",
			Value: 60,
			Usage: "initial distance to the wall in cm",
		},
		cli.Float64Flag{
			Name:  "speed",
			Value: 30,
			Usage: "travel in cm/s at full duty",
		},
		cli.DurationFlag{
			Name:  "range-period",
			Value: mcu.DefaultRangePeriod,
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("simulation exited")
	}
}

func run(c *cli.Context) error {
	if err := util.SetupLogger(c.String("log-level"), true); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := c.String("device")
	if c.Bool("virtual") {
		socat := util.NewSocatManager()
		defer socat.Cleanup()
		path = filepath.Join(os.TempDir(), "ttyACM-roland-sim")
		hostPath := c.String("host-link")

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := socat.CreatePair(wctx, path, hostPath)
		cancel()
		if err != nil {
			return err
		}
		log.Info().Str("host", hostPath).Msg("virtual port ready; run roland --device " + hostPath)
	}
	if path == "" {
		return errors.New("either --device or --virtual is required")
	}

	port, err := device.OpenSerial(path, c.Int("baud"))
	if err != nil {
		return err
	}

	world := mcu.NewWorld(c.Float64("gap"), c.Float64("speed"), nil)
	ctrl := mcu.NewController(world, mcu.DefaultQueue)

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	spawn := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() { first = err })
			}
			cancel()
		}()
	}

	spawn(func() error { return ctrl.Run(gctx, port) })
	spawn(func() error {
		return ctrl.RangeTask(gctx, world, c.Duration("range-period"), mcu.DefaultRangeTimeout)
	})
	for id := protocol.TrackSensorID(0); id < protocol.TrackSensorCount; id++ {
		pin := mcu.NewSimPin(false, 300*time.Millisecond, 2*time.Second, time.Now().UnixNano()+int64(id))
		spawn(func() error { return ctrl.TrackTask(gctx, id, pin) })
	}
	spawn(func() error { return report(gctx, world) })

	log.Info().Str("device", path).Msg("simulated controller running")
	wg.Wait()
	return first
}

// report logs the chassis state once a second.
func report(ctx context.Context, world *mcu.World) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			st := world.State()
			log.Info().
				Float64("gap_cm", st.DistanceCm).
				Int32("left", st.Left).
				Int32("right", st.Right).
				Int8("servo", st.Servo).
				Uint16("buzzer", st.Buzzer).
				Msg("chassis")
		}
	}
}

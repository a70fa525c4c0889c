package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/internal/logging"
	"github.com/srediag/camera-hal/internal/server"
	"github.com/srediag/camera-hal/pkg/hal"
	"github.com/srediag/camera-hal/pkg/health"
)

// Version information, set via ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
)

var log = logging.New("camhald", nil)

func main() {
	app := &cli.App{
		Name:    "camhald",
		Usage:   "Camera hardware daemon",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"CAMHAL_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"CAMHAL_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "emulate",
				Usage:   "Drive an in-process emulated camera instead of the device",
				EnvVars: []string{"CAMHAL_EMULATE"},
			},
			&cli.DurationFlag{
				Name:  "frame-interval",
				Usage: "Frame interval of the imaging library",
				Value: 33 * time.Millisecond,
			},
		},
		Before: func(cliCtx *cli.Context) error {
			lv, err := logging.ParseLevel(cliCtx.String("log-level"))
			if err != nil {
				return err
			}
			logging.SetLevel(lv)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the control API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "address",
						Aliases: []string{"a"},
						Usage:   "Listen address of the control API",
						Value:   server.DefaultAddr,
						EnvVars: []string{"CAMHAL_ADDRESS"},
					},
					&cli.DurationFlag{
						Name:  "request-timeout",
						Usage: "How long picture and focus requests wait for the camera",
						Value: 10 * time.Second,
					},
				},
				Action: serve,
			},
			{
				Name:  "capture",
				Usage: "Take one picture and write the jpeg to a file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file",
						Value:   "picture.jpg",
					},
					&cli.StringFlag{
						Name:  "picture-size",
						Usage: "Picture size as WxH",
					},
					&cli.IntFlag{
						Name:  "quality",
						Usage: "Jpeg quality, 1 to 100",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the picture",
						Value: 10 * time.Second,
					},
				},
				Action: capture,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cliCtx *cli.Context) (*hal.Config, error) {
	path := cliCtx.String("config")
	if path == "" {
		return hal.DefaultConfig(), nil
	}
	cfg, err := hal.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func cameraOptions(cliCtx *cli.Context, prom prometheus.Registerer) (*hal.Config, cameraOpts, error) {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return nil, cameraOpts{}, err
	}
	return cfg, cameraOpts{
		emulate:       cliCtx.Bool("emulate"),
		frameInterval: cliCtx.Duration("frame-interval"),
		registerer:    prom,
	}, nil
}

func serve(cliCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg, opts, err := cameraOptions(cliCtx, prom)
	if err != nil {
		return err
	}
	reg := newRegistry(cfg, opts)

	hopts := health.Options{Registerer: prom}
	if !opts.emulate {
		hopts.RPCNodePath = cfg.RPCNodePath
	}
	srv := server.New(reg, server.Options{
		Addr:           cliCtx.String("address"),
		ReadTimeout:    10 * time.Second,
		RequestTimeout: cliCtx.Duration("request-timeout"),
		Health:         hopts,
		Gatherer:       prom,
	})
	if err := srv.Run(ctx); err != nil {
		return err
	}
	return waitGone(reg, 5*time.Second)
}

func capture(cliCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, opts, err := cameraOptions(cliCtx, nil)
	if err != nil {
		return err
	}
	reg := newRegistry(cfg, opts)
	sess, err := server.Open(ctx, reg)
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer func() {
		if err := sess.Release(context.Background()); err != nil && !errors.Is(err, hal.ErrReleased) {
			log.Warnf("release: %v", err)
		}
		if err := waitGone(reg, 5*time.Second); err != nil {
			log.Warnf("%v", err)
		}
	}()

	hw := sess.Hardware()
	p := hw.Parameters()
	if size := cliCtx.String("picture-size"); size != "" {
		w, h, err := api.ParseSize(size)
		if err != nil {
			return err
		}
		p.SetSize(api.KeyPictureSize, w, h)
	}
	if q := cliCtx.Int("quality"); q != 0 {
		p.SetInt(api.KeyJpegQuality, q)
	}
	if err := hw.SetParameters(ctx, p); err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, cliCtx.Duration("timeout"))
	defer cancel()
	jpeg, err := sess.Picture(pctx)
	if err != nil {
		return fmt.Errorf("take picture: %w", err)
	}
	out := cliCtx.String("output")
	if err := os.WriteFile(out, jpeg, 0o644); err != nil {
		return err
	}
	log.Infof("wrote %d bytes to %s", len(jpeg), out)
	return nil
}

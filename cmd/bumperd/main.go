// Command bumperd runs the bumper server: the MQTT broker, XMPP server,
// HelperBot and CommandRouter aggregate described in SPEC_FULL.md.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/ecovacs-bumper/bumper/src/bumperserver"
	"github.com/ecovacs-bumper/bumper/src/bumpererr"
	"github.com/ecovacs-bumper/bumper/src/config"
)

func main() {
	var (
		configFile string
		listen     string
		announce   string
		debug      bool
	)

	root := &cobra.Command{
		Use:   "bumperd",
		Short: "Local drop-in replacement for the ecovacs cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, listen, announce, debug)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML config file (optional)")
	root.Flags().StringVar(&listen, "listen", "", "override BUMPER_LISTEN")
	root.Flags().StringVar(&announce, "announce", "", "override BUMPER_ANNOUNCE_IP")
	root.Flags().BoolVar(&debug, "debug", false, "override BUMPER_DEBUG")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile, listen, announce string, debug bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()

	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}),
	))
	log := slog.Default().With("component", "bumperd")

	cfg, err := config.LoadBumperConfig(configFile)
	if err != nil {
		fatal(log, err, "failed to load configuration")
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if announce != "" {
		cfg.AnnounceIP = announce
	}
	if debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		slog.SetDefault(slog.New(
			tint.NewHandler(os.Stdout, &tint.Options{
				Level:      slog.LevelDebug,
				TimeFormat: time.Kitchen,
			}),
		))
		log = slog.Default().With("component", "bumperd")
	}

	srv, err := bumperserver.New(log, cfg)
	if err != nil {
		fatal(log, err, "failed to construct bumper server")
	}

	if err := srv.Start(ctx); err != nil {
		fatal(log, err, "failed to start bumper server")
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Error("error during shutdown", "err", err)
	}
	return nil
}

// fatal logs err and exits non-zero, the only place in the module allowed
// to translate bumpererr.ErrFatal (or any startup error) into a process
// exit; every other component returns the error instead.
func fatal(log *slog.Logger, err error, msg string) {
	log.Error(msg, "err", err, "fatal", errors.Is(err, bumpererr.ErrFatal))
	os.Exit(1)
}

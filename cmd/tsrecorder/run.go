// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hfstation/tsrecorder/anchor"
	"github.com/hfstation/tsrecorder/archive"
	"github.com/hfstation/tsrecorder/channel"
	"github.com/hfstation/tsrecorder/clock"
	"github.com/hfstation/tsrecorder/config"
	"github.com/hfstation/tsrecorder/ingest"
	"github.com/hfstation/tsrecorder/supervisor"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingest pipeline until signalled to stop",
	RunE:  runE,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to the YAML config file")
	_ = runCmd.MarkFlagRequired("config")
}

func newLogger() zerolog.Logger {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	if rootVerboseFlag {
		lev = zerolog.DebugLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)
}

func runE(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return fmt.Errorf("tsrecorder: %w", err)
	}

	log.Info().
		Str("data_root", cfg.DataRoot).
		Str("multicast", fmt.Sprintf("%s:%d", cfg.Multicast.Address, cfg.Multicast.Port)).
		Int("channels", len(cfg.Channels)).
		Msg("tsrecorder starting")

	clk := clock.New(clock.NewCommandQuerier(cfg.Clock.Command), log)
	// Block once on an initial synchronous refresh so the first archive
	// files don't unconditionally start at wall_clock/confidence-0 when a
	// synchronized time authority is actually available (§4.4's
	// compute_initial_snap rewards a synchronized ClockSource).
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	clk.Refresh(startupCtx)
	startupCancel()

	addr := fmt.Sprintf("%s:%d", cfg.Multicast.Address, cfg.Multicast.Port)
	ingestor := ingest.New(addr, cfg.Multicast.Interface, cfg.Supervisor.SilenceWarn, log)

	sup := supervisor.New(clk, supervisor.Cadences{
		TickInterval: cfg.Supervisor.TickInterval,
		SilenceWarn:  cfg.Supervisor.SilenceWarn,
		SilenceFlush: cfg.Supervisor.SilenceFlush,
	}, cfg.DataRoot, log)

	processors := make([]*channel.Processor, 0, len(cfg.Channels))

	for _, chCfg := range cfg.Channels {
		spec, err := chCfg.Spec()
		if err != nil {
			return fmt.Errorf("tsrecorder: %w", err)
		}

		writer := archive.NewWriter(spec.Name, spec.FrequencyHz, spec.SampleRate, cfg.DataRoot, clk, log)
		anchorMgr := anchor.NewManager(spec.Name, spec.SampleRate, writer, clk, log)
		proc := channel.NewProcessor(spec, writer, anchorMgr, log)

		ingestor.Register(spec.SSRC, spec.Name, proc)
		sup.Register(spec.Name, proc, anchorMgr)
		processors = append(processors, proc)
	}

	sup.RunStartupChecks()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := ingestor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("ingestor exited with error")
		}
	}()
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining and sealing")

	wg.Wait()

	for _, proc := range processors {
		if err := proc.Flush(); err != nil {
			log.Error().Err(err).Msg("final flush failed")
		}
	}

	log.Info().Msg("tsrecorder stopped cleanly")
	return nil
}

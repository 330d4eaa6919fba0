package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"profmon-sim-go/internal/bus"
	"profmon-sim-go/internal/catalog"
	"profmon-sim-go/internal/channels"
	"profmon-sim-go/internal/codec"
	"profmon-sim-go/internal/config"
	"profmon-sim-go/internal/ingest"
	"profmon-sim-go/internal/output"
	"profmon-sim-go/internal/pipeline"
	"profmon-sim-go/internal/processing"
	"profmon-sim-go/internal/publish"
	"profmon-sim-go/internal/server"
	"profmon-sim-go/internal/synth"
	"profmon-sim-go/internal/trigger"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noServer bool
	var rawlog bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Subscribe to model broadcasts and publish simulated camera images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cat, err := ctx.loadCatalog()
			if err != nil {
				return err
			}
			if noServer {
				cfg.Server.Enabled = false
			}
			if rawlog {
				cfg.Rawlog.Enabled = true
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg, cat)
		},
	}

	cmd.Flags().BoolVar(&noServer, "no-server", false, "Disable the HTTP status surface")
	cmd.Flags().BoolVar(&rawlog, "rawlog", false, "Record every broadcast frame pair to rawlog.dir")
	return cmd
}

// registerChannels publishes every catalog device and the utility channels.
func registerChannels(cfg *config.Config, cat *catalog.Catalog) (*channels.Table, error) {
	chans := channels.New()
	for _, device := range cat.Devices() {
		g, _ := cat.Lookup(device)
		if err := chans.RegisterDevice(g); err != nil {
			return nil, fmt.Errorf("register %s: %w", device, err)
		}
	}
	if cfg.Channels.IncludeDefaults {
		chans.RegisterUtility(channels.DefaultUtility)
	}
	chans.RegisterUtility(cfg.Channels.Utility)
	return chans, nil
}

func serve(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) error {
	log := logrus.WithField("component", "serve")
	if cat.Len() == 0 {
		return fmt.Errorf("catalog %s has no usable screens", cfg.Catalog.Path)
	}

	chans, err := registerChannels(cfg, cat)
	if err != nil {
		return err
	}
	c, err := codec.ByName(cfg.Model.Codec)
	if err != nil {
		return err
	}
	mode, err := synth.ParseMode(cfg.Synth.Mode)
	if err != nil {
		return err
	}

	sub, err := bus.Subscribe(cfg.BroadcastEndpoint(), cfg.Poll())
	if err != nil {
		return err
	}
	defer sub.Close()

	runID := uuid.NewString()
	decoderOpts := []ingest.Option{ingest.WithLogEvery(cfg.Ingest.LogEvery)}
	if cfg.Rawlog.Enabled {
		writer, err := output.NewRawLogWriter(cfg.Rawlog.Dir, "profiles_"+runID[:8])
		if err != nil {
			return fmt.Errorf("start raw log: %w", err)
		}
		defer func() {
			if err := writer.Close(); err != nil {
				log.WithError(err).Warn("raw log close failed")
			}
		}()
		log.WithField("path", writer.Path()).Info("raw log enabled")
		decoderOpts = append(decoderOpts, ingest.WithRecorder(writer))
	}
	decoder := ingest.NewDecoder(sub, c, decoderOpts...)

	table := processing.NewTable(cat)
	publisher := publish.New(chans)
	updates := make(chan any, 16)
	svc := pipeline.New(decoder, cat, table,
		synth.New(synth.Options{Mode: mode, Particles: cfg.Synth.Particles, Seed: cfg.Synth.Seed}),
		publisher,
		pipeline.WithRunID(runID),
		pipeline.WithObserver(func(report pipeline.CycleReport) {
			if len(report.Updated) == 0 {
				return
			}
			select {
			case updates <- map[string]any{"type": "update", "cycle": report.Cycle, "devices": report.Updated}:
			default:
			}
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// serverDone stays nil when the HTTP surface is disabled.
	var serverDone chan error
	if cfg.Server.Enabled {
		srv := server.New(server.Deps{
			Table:       table,
			Channels:    chans,
			SnapshotDir: cfg.Snapshots.Dir,
			Config:      func() map[string]any { return configView(cfg, cat) },
			Status: func() map[string]any {
				return statusView(svc, decoder, publisher, chans)
			},
		})
		serverDone = make(chan error, 1)
		go func() {
			serverDone <- srv.Run(runCtx, cfg.Server.Bind, updates)
		}()
	}

	request := func(ctx context.Context, payload []byte) ([]byte, error) {
		return bus.Request(ctx, cfg.CommandEndpoint(), payload, cfg.PrimeTimeout())
	}
	primed := trigger.Go(runCtx, request, c)

	log.WithFields(logrus.Fields{
		"broadcast": cfg.BroadcastEndpoint(),
		"command":   cfg.CommandEndpoint(),
		"devices":   cat.Len(),
		"channels":  chans.Len(),
		"codec":     c.Name(),
	}).Info("profmon-sim serving")

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- svc.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-loopErr:
		loopErr = nil
	case err := <-serverDone:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
		serverDone = nil
	}
	cancel()
	if loopErr != nil {
		if err := <-loopErr; runErr == nil {
			runErr = err
		}
	}
	if serverDone != nil {
		if err := <-serverDone; err != nil && runErr == nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	<-primed
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("profmon-sim stopped")
	return nil
}

func configView(cfg *config.Config, cat *catalog.Catalog) map[string]any {
	return map[string]any{
		"command_endpoint":   cfg.CommandEndpoint(),
		"broadcast_endpoint": cfg.BroadcastEndpoint(),
		"codec":              cfg.Model.Codec,
		"synth_mode":         cfg.Synth.Mode,
		"particles":          cfg.Synth.Particles,
		"catalog":            cfg.Catalog.Path,
		"devices":            cat.Devices(),
		"rawlog":             cfg.Rawlog.Enabled,
	}
}

func statusView(svc *pipeline.Service, decoder *ingest.Decoder, publisher *publish.Publisher, chans *channels.Table) map[string]any {
	m := svc.Metrics()
	stats := decoder.Stats()
	written, failed := publisher.Counts()
	return map[string]any{
		"run_id":  svc.RunID(),
		"started": svc.Started().Format(time.RFC3339),
		"uptime":  time.Since(svc.Started()).Round(time.Second).String(),
		"metrics": map[string]any{
			"cycles_total":           m.Cycles,
			"incomplete_total":       m.Incomplete,
			"rows_total":             m.Rows,
			"unknown_elements_total": m.Unknown,
			"updates_total":          m.Updates,
			"published_total":        m.Published,
			"publish_errors_total":   m.PublishErrors,
			"synth_nanos_total":      m.SynthNanos,
			"frames_total":           stats.Frames,
			"drained_total":          stats.Drained,
			"malformed_total":        stats.Malformed,
			"decode_nanos_total":     stats.DecodeNanos,
			"sink_written_total":     written,
			"sink_failed_total":      failed,
			"channel_events_dropped": chans.Dropped(),
		},
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"profmon-sim-go/internal/bus"
	"profmon-sim-go/internal/codec"
	"profmon-sim-go/internal/simulator"
)

func newModelCommand(ctx *commandContext) *cobra.Command {
	var autoStart bool

	cmd := &cobra.Command{
		Use:   "model",
		Short: "Run a stand-in physics model that broadcasts twiss and orbit frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cat, err := ctx.loadCatalog()
			if err != nil {
				return err
			}
			c, err := codec.ByName(cfg.Model.Codec)
			if err != nil {
				return err
			}

			pub, err := bus.Bind(cfg.BindBroadcastEndpoint())
			if err != nil {
				return err
			}
			defer pub.Close()
			rep, err := bus.Listen(cfg.BindCommandEndpoint(), cfg.Poll())
			if err != nil {
				return err
			}
			defer rep.Close()

			model := simulator.New(cat, c, simulator.Options{
				Interval:      cfg.SimulatorInterval(),
				OrbitJitterMM: cfg.Simulator.OrbitJitterMM,
				BetaMin:       cfg.Simulator.BetaMin,
				BetaMax:       cfg.Simulator.BetaMax,
				Seed:          cfg.Simulator.Seed,
				AutoStart:     autoStart,
			})

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logrus.WithFields(logrus.Fields{
				"component": "model",
				"broadcast": cfg.BindBroadcastEndpoint(),
				"command":   cfg.BindCommandEndpoint(),
				"elements":  len(model.Lattice()),
			}).Info("simulated model running")
			if err := model.Serve(runCtx, pub, rep); err != nil {
				return fmt.Errorf("simulated model: %w", err)
			}
			logrus.WithField("cycles", model.Cycles()).Info("simulated model stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "Broadcast without waiting for the profile command")
	return cmd
}

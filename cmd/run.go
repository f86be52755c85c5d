package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	updateagent "github.com/sevensense-robotics/UpdateAgent"
	"github.com/sevensense-robotics/UpdateAgent/internal/config"
	"github.com/sevensense-robotics/UpdateAgent/internal/mqtt"
	"github.com/sevensense-robotics/UpdateAgent/pkg/storage"
)

func newRunCmd() *cobra.Command {
	var (
		flagTarget  string
		flagInitial string
		flagDUT     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the update watcher for the configured device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := updateagent.ConfigFromEnv()
			if flagTarget != "" {
				cfg.TargetVersion = updateagent.Version(flagTarget)
			}
			if flagInitial != "" {
				cfg.InitialVersion = updateagent.Version(flagInitial)
			}
			if flagDUT != "" {
				cfg.DeviceType = flagDUT
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			device := updateagent.NewDevice(cfg.DeviceType, cfg.InitialVersion)

			var sinks []updateagent.Sink
			if dbPath := config.String(updateagent.EnvUpdateDBPath, ""); dbPath != "" {
				sqlite, err := storage.NewSQLiteSink(dbPath)
				if err != nil {
					return err
				}
				sinks = append(sinks, sqlite)
			}
			if feishuCfg := storage.FeishuSinkConfigFromEnv(); feishuCfg.Enabled() {
				feishu, err := storage.NewFeishuSink(feishuCfg)
				if err != nil {
					return err
				}
				sinks = append(sinks, feishu)
			}
			if mqttCfg := mqtt.ReporterConfigFromEnv(); mqttCfg.Enabled() {
				reporter, err := mqtt.NewReporter(mqttCfg)
				if err != nil {
					// Status reporting is optional; the update path works
					// without a broker.
					log.Error().Err(err).Msg("mqtt reporter disabled")
				} else {
					defer reporter.Close()
					device.OnTransition(reporter.StateObserver(cfg.DeviceType))
					sinks = append(sinks, reporter.JournalSink())
				}
			}

			journal := updateagent.NewJournal(sinks...)
			defer func() {
				if err := journal.Close(); err != nil {
					log.Error().Err(err).Msg("journal close failed")
				}
			}()

			orchestrator, err := updateagent.NewOrchestrator(cfg, device, journal)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return orchestrator.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&flagTarget, "target", "", "target firmware version, overrides "+updateagent.EnvTargetVersion)
	cmd.Flags().StringVar(&flagInitial, "initial-version", "", "installed firmware version, overrides "+updateagent.EnvInitialVersion)
	cmd.Flags().StringVar(&flagDUT, "dut", "", "logical device variant, overrides "+updateagent.EnvDUT)
	return cmd
}

package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sevensense-robotics/UpdateAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "updateagent",
	Short: "Firmware update agent for a single embedded device",
	Long: `updateagent watches one embedded device, waits for it to go idle and
drives the download-then-install firmware update sequence, monitoring
connectivity, power and per-stage time budgets. Attempt history is kept in
a local journal with optional sqlite, Feishu bitable and MQTT sinks.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("updateagent command failed")
	}
}

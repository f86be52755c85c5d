package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	updateagent "github.com/sevensense-robotics/UpdateAgent"
	"github.com/sevensense-robotics/UpdateAgent/internal/config"
	"github.com/sevensense-robotics/UpdateAgent/pkg/storage"
)

func newHistoryCmd() *cobra.Command {
	var flagDBPath string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the persisted update attempt history",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := flagDBPath
			if dbPath == "" {
				dbPath = config.String(updateagent.EnvUpdateDBPath, "")
			}
			if dbPath == "" {
				return errors.Errorf("history: set --db or %s", updateagent.EnvUpdateDBPath)
			}
			sink, err := storage.NewSQLiteSink(dbPath)
			if err != nil {
				return err
			}
			defer sink.Close()

			records, err := sink.History(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%s  dut=%s target=%s outcome=%s reason=%s elapsed=%s\n",
					rec.StartedAt.Local().Format(time.RFC3339),
					rec.DeviceType,
					rec.Target,
					rec.Outcome,
					rec.Reason,
					rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond),
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagDBPath, "db", "", "sqlite journal path, overrides "+updateagent.EnvUpdateDBPath)
	return cmd
}

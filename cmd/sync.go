package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grumble-app/feedback-sync/internal/pipeline"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := newBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := newSyncer(cfg, st).Run(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrSyncInProgress) {
				fmt.Println(`{"status":"skipped","reason":"Another sync in progress"}`)
				return nil
			}
			return err
		}

		out, err := json.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

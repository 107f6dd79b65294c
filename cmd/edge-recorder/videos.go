package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
)

func videosCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "videos",
		Short: "Inspect and prune stored recordings",
	}
	cmd.AddCommand(videosListCommand(opts), videosPruneCommand(opts))
	return cmd
}

func videosListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recordings, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgSvc, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg := cfgSvc.Get()

			lib, err := storage.NewLibrary(cfg.Recorder.RecordingsDir, cfg.Recorder.FilePrefix, log)
			if err != nil {
				return err
			}
			recs, err := lib.List()
			if err != nil {
				return err
			}

			// The index is optional; rows missing from it print without a trigger.
			idx, err := state.NewManager(cfg.Database, log)
			if err != nil {
				log.Warn("Recordings index unavailable", "error", err)
				idx = nil
			} else {
				defer idx.Close()
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tCREATED\tTRIGGER")
			for _, r := range recs {
				trigger := "-"
				if idx != nil {
					if row, err := idx.GetRecording(cmd.Context(), r.Name); err == nil {
						trigger = row.Trigger
						if row.Interrupted {
							trigger += " (interrupted)"
						}
					}
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Name, r.Size, r.CreatedAt.Format(time.RFC3339), trigger)
			}
			return w.Flush()
		},
	}
}

func videosPruneCommand(opts *options) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgSvc, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg := cfgSvc.Get()

			limit := cfg.Recorder.MaxRecordings
			if cmd.Flags().Changed("keep") {
				limit = keep
			}
			if limit < 1 {
				return fmt.Errorf("--keep must be at least 1")
			}

			lib, err := storage.NewLibrary(cfg.Recorder.RecordingsDir, cfg.Recorder.FilePrefix, log)
			if err != nil {
				return err
			}
			ret := storage.NewRetention(lib, limit, log)
			if idx, err := state.NewManager(cfg.Database, log); err == nil {
				defer idx.Close()
				ret.SetIndex(idx)
			} else {
				log.Warn("Recordings index unavailable", "error", err)
			}

			deleted, err := ret.Enforce(cmd.Context())
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d recording(s) removed, %d kept at most\n", len(deleted), limit)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Number of recordings to keep (default: recorder.max_recordings)")
	return cmd
}

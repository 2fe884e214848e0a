package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sightline-analytics/pulse/internal/model"
	"github.com/sightline-analytics/pulse/internal/snapshot"
)

var (
	snapshotsPeriod string
	snapshotsLimit  int
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List persisted period snapshots",
	RunE:  runSnapshots,
}

func init() {
	snapshotsCmd.Flags().StringVar(&snapshotsPeriod, "period", "", "granularity to list (default: configured period)")
	snapshotsCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "maximum snapshots to list")
	rootCmd.AddCommand(snapshotsCmd)
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	periodType := model.PeriodType(cfg.Snapshot.PeriodType)
	if snapshotsPeriod != "" {
		periodType = model.PeriodType(snapshotsPeriod)
	}
	if !periodType.Valid() {
		return fmt.Errorf("unknown period type %q", periodType)
	}

	store, err := snapshot.Open(cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}

	snaps, err := store.List(cmd.Context(), periodType, snapshotsLimit)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

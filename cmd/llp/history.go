package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/llp/internal/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent orchestrator runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			path := resolve(root, cfg.History.Path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No run history recorded.")
				return nil
			}
			store, err := history.Open(path)
			if err != nil {
				return fatal(err)
			}
			defer store.Close()

			runs, err := store.RecentRuns(limit)
			if err != nil {
				return fatal(err)
			}

			if jsonOut {
				out, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(runs) == 0 {
				fmt.Println("No run history recorded.")
				return nil
			}
			fmt.Printf("%-10s %-9s %-13s %-17s %-9s %s\n",
				"RUN", "MODE", "CATEGORY", "STARTED", "DURATION", "RESULT")
			for _, run := range runs {
				category := run.Category
				if category == "" {
					category = "-"
				}
				duration := "-"
				if run.Finished() {
					duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Second).String()
				}
				result := fmt.Sprintf("%d/%d done", run.Completed, run.Attempted)
				if run.Failed > 0 {
					result += fmt.Sprintf(", %d failed", run.Failed)
				}
				fmt.Printf("%-10s %-9s %-13s %-17s %-9s %s\n",
					shortRunID(run.ID), run.Mode, category,
					run.StartedAt.Local().Format("2006-01-02 15:04"), duration, result)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit runs as JSON")
	return cmd
}

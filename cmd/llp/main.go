package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

// cfgFile overrides project config discovery when --config is given.
var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "llp",
		Short: "Parallel agents for your backlog",
		Long: `llp schedules filesystem issues across parallel agent workers, each in
its own git worktree, and merges finished branches back one at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default .llp.yaml, then ~/.llp/config.yaml)")

	rootCmd.AddCommand(
		newAutoCmd(),
		newParallelCmd(),
		newSprintCmd(),
		newLoopCmd(),
		newIssuesCmd(),
		newHistoryCmd(),
		newDoctorCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show llp version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("llp v%s\n", version)
		},
	}
}

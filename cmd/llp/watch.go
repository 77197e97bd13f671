package main

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/llp/internal/dashboard"
)

func newWatchCmd() *cobra.Command {
	var connect string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Attach the live dashboard to a running orchestrator",
		Long: `Connect to the status server of a running llp instance and render the
live worker dashboard. Quitting the dashboard never affects the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			addr := connect
			if addr == "" {
				addr = cfg.Status.Addr
			}
			if addr == "" {
				return fatal(errors.New("no status server address; pass --connect or set status.addr"))
			}

			events, release, err := dashboard.Connect(addr)
			if err != nil {
				return failed(fmt.Errorf("failed to connect to %s: %w", addr, err))
			}
			defer release()

			if _, err := tea.NewProgram(dashboard.NewModel(version, addr, events)).Run(); err != nil {
				return failed(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&connect, "connect", "", "Status server address (host:port)")
	return cmd
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/llp/internal/config"
	"github.com/alekspetrov/llp/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check workspace health and configuration",
		Long: `Run health checks on dependencies, the issue workspace, loop
definitions, and state paths.

Shows what's working, what's missing, and how to fix issues.

Examples:
  llp doctor           # Run all checks
  llp doctor --verbose # Show fix hints`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			// Doctor must run even on a broken config.
			cfg, err := loadConfig(root)
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  %v (using defaults)\n", err)
				cfg = config.DefaultConfig()
			}

			report := health.RunChecks(root, cfg)

			if jsonOut {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				if report.Failed() {
					return failed(errors.New("health checks failed"))
				}
				return nil
			}

			fmt.Println()
			fmt.Println("llp Health Check")
			fmt.Println("================")
			fmt.Println()

			var errs, warns int
			fmt.Println("Checks:")
			for _, c := range report.Checks {
				fmt.Printf("  %s %-14s %s\n", c.Status.Symbol(), c.Name, c.Message)
				if verbose && c.Fix != "" && c.Status != health.StatusOK {
					fmt.Printf("                     → %s\n", c.Fix)
				}
				switch c.Status {
				case health.StatusError:
					errs++
				case health.StatusWarning:
					warns++
				}
			}
			fmt.Println()

			fmt.Println("Features:")
			for _, f := range report.Features {
				note := ""
				if f.Note != "" {
					note = " (" + f.Note + ")"
				}
				fmt.Printf("  %s %-14s%s\n", f.Status.Symbol(), f.Name, note)
			}
			fmt.Println()

			if errs > 0 || warns > 0 {
				fmt.Println("Recommendations:")
				shown := 0
				for _, status := range []health.Status{health.StatusError, health.StatusWarning} {
					for _, c := range report.Checks {
						if c.Status == status && c.Fix != "" && shown < 5 {
							fmt.Printf("  %d. %s: %s\n", shown+1, c.Name, c.Fix)
							shown++
						}
					}
				}
				fmt.Println()
			}

			if report.Failed() {
				fmt.Printf("❌ Not ready - %d critical error(s)\n", errs)
				fmt.Println("   Fix the errors above before running llp")
				fmt.Println()
				return failed(errors.New("health checks failed"))
			}
			if warns > 0 {
				fmt.Printf("✅ Ready to start (%d warning(s))\n", warns)
			} else {
				fmt.Println("✅ All systems operational!")
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show fix hints for failing checks")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")
	return cmd
}

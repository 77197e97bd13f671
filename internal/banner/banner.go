package banner

import (
	"fmt"

	"github.com/alekspetrov/llp/internal/config"
	"github.com/alekspetrov/llp/internal/health"
)

// Logo is the ASCII art logo for llp
const Logo = `
   ██╗     ██╗     ██████╗
   ██║     ██║     ██╔══██╗
   ██║     ██║     ██████╔╝
   ██║     ██║     ██╔═══╝
   ███████╗███████╗██║
   ╚══════╝╚══════╝╚═╝
`

// Tagline is the project tagline
const Tagline = "Parallel Agents For Your Backlog"

// Print prints the banner with tagline
func Print() {
	fmt.Print(Logo)
	fmt.Printf("   %s\n\n", Tagline)
}

// PrintWithVersion prints the banner with version info
func PrintWithVersion(version string) {
	fmt.Print(Logo)
	fmt.Printf("   %s\n", Tagline)
	fmt.Printf("   v%s\n\n", version)
}

// StartupWithHealth prints the startup banner with the doctor summary
func StartupWithHealth(version, root string, cfg *config.Config) {
	report := health.RunChecks(root, cfg)

	// Header
	fmt.Println()
	fmt.Printf("LLP v%s\n", version)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Features in compact grid
	features := report.Features
	cols := 3
	colWidth := 14

	for i, f := range features {
		symbol := f.Status.Symbol()
		name := f.Name
		if f.Note != "" {
			name = f.Name + "*"
		}
		fmt.Printf("%s %-*s", symbol, colWidth-2, name)
		if (i+1)%cols == 0 || i == len(features)-1 {
			fmt.Println()
		}
	}

	// Notes for annotated features
	hasNotes := false
	for _, f := range features {
		if f.Note != "" {
			if !hasNotes {
				fmt.Println()
				hasNotes = true
			}
			fmt.Printf("  * %s: %s\n", f.Name, f.Note)
		}
	}

	// Failed checks surface here so a broken install is visible
	// before the first dispatch.
	hasErrors := false
	for _, c := range report.Checks {
		if c.Status == health.StatusError {
			if !hasErrors {
				fmt.Println()
				hasErrors = true
			}
			fmt.Printf("%s %s: %s\n", c.Status.Symbol(), c.Name, c.Message)
		}
	}
	if hasErrors {
		fmt.Println("  run `llp doctor` for details")
	}

	if cfg.Workers != nil {
		fmt.Println()
		fmt.Printf("Workers: %d × %s\n", cfg.Workers.Count, cfg.Agents.Binary)
	}

	fmt.Println()
}

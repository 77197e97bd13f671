package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/llp/internal/graph"
	"github.com/alekspetrov/llp/internal/issues"
)

// sprintPlan is a named issue selection persisted under
// .llp/sprints/<name>.yaml and executed in dependency waves.
type sprintPlan struct {
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`
	Category  string    `yaml:"category,omitempty"`
	Issues    []string  `yaml:"issues"`
	Notes     string    `yaml:"notes,omitempty"`
}

func newSprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sprint",
		Short: "Plan and run issue sprints in dependency waves",
	}
	cmd.AddCommand(newSprintCreateCmd(), newSprintShowCmd(), newSprintRunCmd())
	return cmd
}

func newSprintCreateCmd() *cobra.Command {
	var (
		ids      []string
		category string
		notes    string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a sprint plan from open issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			categories := cfg.Issues.Categories
			if category != "" {
				if !containsString(cfg.Issues.Categories, category) {
					return fmt.Errorf("unknown category %q (configured: %s)",
						category, strings.Join(cfg.Issues.Categories, ", "))
				}
				categories = []string{category}
			}
			issuesRoot := resolve(root, cfg.Issues.Dir)
			active, err := issues.LoadActive(issuesRoot, categories)
			if err != nil {
				return fatal(err)
			}

			selected := idSet(ids)
			var planned []*issues.Issue
			if len(selected) == 0 {
				if category == "" {
					return fmt.Errorf("nothing to plan: pass --issues or --category")
				}
				planned = active
			} else {
				known := make(map[string]*issues.Issue, len(active))
				for _, issue := range active {
					known[issue.ID] = issue
				}
				for id := range selected {
					issue, ok := known[id]
					if !ok {
						return fmt.Errorf("issue %s not found among open issues", id)
					}
					planned = append(planned, issue)
				}
				sort.Slice(planned, func(a, b int) bool { return planned[a].ID < planned[b].ID })
			}
			if len(planned) == 0 {
				return fmt.Errorf("no open issues match the plan")
			}

			plan := sprintPlan{
				Name:      name,
				CreatedAt: time.Now().UTC(),
				Category:  category,
				Notes:     notes,
			}
			for _, issue := range planned {
				plan.Issues = append(plan.Issues, issue.ID)
			}
			if err := savePlan(root, &plan); err != nil {
				return fatal(err)
			}

			fmt.Printf("✓ Sprint %s created with %d issue(s)\n", name, len(plan.Issues))
			completed, err := issues.CompletedIDs(issuesRoot, cfg.Issues.CompletedDir)
			if err != nil {
				return fatal(err)
			}
			return printWaves(graph.FromIssues(planned, completed))
		},
	}

	cmd.Flags().StringSliceVar(&ids, "issues", nil, "Issue ids to include")
	cmd.Flags().StringVar(&category, "category", "", "Include all open issues of this category")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form note stored with the plan")
	return cmd
}

func newSprintShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a sprint plan and its execution waves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			plan, err := loadPlan(root, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Sprint: %s\n", plan.Name)
			fmt.Printf("Created: %s\n", plan.CreatedAt.Local().Format("2006-01-02 15:04"))
			if plan.Category != "" {
				fmt.Printf("Category: %s\n", plan.Category)
			}
			if plan.Notes != "" {
				fmt.Printf("Notes: %s\n", plan.Notes)
			}

			issuesRoot := resolve(root, cfg.Issues.Dir)
			active, err := issues.LoadActive(issuesRoot, cfg.Issues.Categories)
			if err != nil {
				return fatal(err)
			}
			completed, err := issues.CompletedIDs(issuesRoot, cfg.Issues.CompletedDir)
			if err != nil {
				return fatal(err)
			}
			planned := filterIssues(active, plan.Issues, nil, completed)
			fmt.Printf("Issues: %d planned, %d still open\n", len(plan.Issues), len(planned))
			if len(planned) == 0 {
				return nil
			}
			return printWaves(graph.FromIssues(planned, completed))
		},
	}
}

func newSprintRunCmd() *cobra.Command {
	var (
		maxWorkers int
		timeout    time.Duration
		watch      bool
		jsonOut    bool
		statusAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Execute a sprint plan wave by wave",
		Long: `Execute a sprint plan. Each dependency wave runs as a contained
parallel pass; the next wave starts only once every issue of the prior
wave has completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			plan, err := loadPlan(root, args[0])
			if err != nil {
				return err
			}
			return runOrchestrated(runSettings{
				mode:       "sprint",
				category:   plan.Category,
				workers:    maxWorkers,
				timeout:    timeout,
				only:       plan.Issues,
				sprint:     true,
				watch:      watch,
				jsonOut:    jsonOut,
				statusAddr: statusAddr,
			})
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Worker count (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-issue timeout (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Show the live dashboard while running")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the final report as JSON")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve live status on this address")
	return cmd
}

func sprintPath(root, name string) string {
	return filepath.Join(root, ".llp", "sprints", name+".yaml")
}

func savePlan(root string, plan *sprintPlan) error {
	path := sprintPath(root, plan.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create sprint directory: %w", err)
	}
	data, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode sprint plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sprint plan: %w", err)
	}
	return nil
}

func loadPlan(root, name string) (*sprintPlan, error) {
	data, err := os.ReadFile(sprintPath(root, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("sprint %q not found (create it with: llp sprint create %s)", name, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sprint plan: %w", err)
	}
	var plan sprintPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse sprint plan %s: %w", name, err)
	}
	if plan.Name == "" {
		plan.Name = name
	}
	return &plan, nil
}

func printWaves(g *graph.Graph) error {
	waves, err := g.ExecutionWaves()
	if err != nil {
		return failed(err)
	}
	for i, wave := range waves {
		ids := make([]string, len(wave))
		for j, issue := range wave {
			ids[j] = issue.ID
		}
		fmt.Printf("  Wave %d: %s\n", i+1, strings.Join(ids, ", "))
	}
	return nil
}

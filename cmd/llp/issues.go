package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/llp/internal/graph"
	"github.com/alekspetrov/llp/internal/issues"
)

func newIssuesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "Inspect the issue backlog",
	}
	cmd.AddCommand(newIssuesListCmd(), newIssuesNextNumberCmd(), newIssuesGraphCmd())
	return cmd
}

// issueContext loads the open issues, completed set, and graph every
// inspection subcommand starts from.
func issueContext(category string) ([]*issues.Issue, map[string]bool, *graph.Graph, error) {
	root, err := workspaceRoot()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, nil, nil, err
	}
	categories := cfg.Issues.Categories
	if category != "" {
		if !containsString(cfg.Issues.Categories, category) {
			return nil, nil, nil, fmt.Errorf("unknown category %q (configured: %s)",
				category, strings.Join(cfg.Issues.Categories, ", "))
		}
		categories = []string{category}
	}
	issuesRoot := resolve(root, cfg.Issues.Dir)
	list, err := issues.LoadActive(issuesRoot, categories)
	if err != nil {
		return nil, nil, nil, fatal(err)
	}
	completed, err := issues.CompletedIDs(issuesRoot, cfg.Issues.CompletedDir)
	if err != nil {
		return nil, nil, nil, fatal(err)
	}
	return list, completed, graph.FromIssues(list, completed), nil
}

func newIssuesListCmd() *cobra.Command {
	var (
		category string
		ready    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, completed, g, err := issueContext(category)
			if err != nil {
				return err
			}
			if ready {
				list = g.ReadyIssues(completed)
			}
			if len(list) == 0 {
				fmt.Println("No open issues.")
				return nil
			}

			issues.Sort(list)
			for _, issue := range list {
				var blocked string
				if !ready {
					if blockers := g.BlockingIssues(issue.ID, completed); len(blockers) > 0 {
						blocked = "  ⛔ blocked by " + strings.Join(blockers, ", ")
					}
				}
				fmt.Printf("%-12s %-3s %-13s %s%s\n",
					issue.ID, issue.PriorityLabel(), issue.Type, issue.Title, blocked)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Limit to one category")
	cmd.Flags().BoolVar(&ready, "ready", false, "Only issues whose dependencies are satisfied")
	return cmd
}

func newIssuesNextNumberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next-number",
		Short: "Print the next unused issue number",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			n, err := issues.NextIssueNumber(resolve(root, cfg.Issues.Dir), cfg.Issues.Categories, cfg.Issues.CompletedDir)
			if err != nil {
				return fatal(err)
			}
			fmt.Println(n)
			return nil
		},
	}
}

func newIssuesGraphCmd() *cobra.Command {
	var (
		category string
		waves    bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, _, g, err := issueContext(category)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No open issues.")
				return nil
			}

			for _, cycle := range g.DetectCycles() {
				fmt.Printf("⚠️  Cycle: %s\n", strings.Join(cycle, " → "))
			}

			if waves {
				return printWaves(g)
			}

			issues.Sort(list)
			for _, issue := range list {
				deps := append([]string(nil), issue.BlockedBy...)
				sort.Strings(deps)
				if len(deps) == 0 {
					fmt.Printf("%-12s (no dependencies)\n", issue.ID)
					continue
				}
				fmt.Printf("%-12s ← %s\n", issue.ID, strings.Join(deps, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "Limit to one category")
	cmd.Flags().BoolVar(&waves, "waves", false, "Group into parallel execution waves")
	return cmd
}

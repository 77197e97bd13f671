// Shared helpers for command wiring: config discovery, exit-code
// mapping, and signal-cancelled contexts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alekspetrov/llp/internal/config"
)

// exitError carries a process exit code through cobra's error return.
// Code 1 is a run that finished unsuccessfully, code 2 a fatal setup
// problem (bad config, unusable git state).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fatal(err error) error { return &exitError{code: 2, err: err} }

func failed(err error) error { return &exitError{code: 1, err: err} }

func exitCode(err error) int {
	var xe *exitError
	if errors.As(err, &xe) {
		return xe.code
	}
	return 1
}

// workspaceRoot is the directory llp operates in. Every relative
// config path is anchored here.
func workspaceRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", fatal(fmt.Errorf("failed to resolve working directory: %w", err))
	}
	return root, nil
}

func loadConfig(root string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.LoadProject(root)
	}
	if err != nil {
		return nil, fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fatal(fmt.Errorf("invalid config: %w", err))
	}
	return cfg, nil
}

// resolve anchors a config-relative path at the workspace root.
func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n⚠️  Cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

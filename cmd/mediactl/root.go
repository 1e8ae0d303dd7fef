package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func newRootCmd() *cobra.Command {
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:   "mediactl",
		Short: "Operate a simple-media deployment",
		Long: `mediactl runs maintenance tasks against the repository, object store
and task queue configured through the same environment as the server.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")

	rootCmd.AddCommand(
		newSweepCmd(&jsonOutput),
		newStatusCmd(&jsonOutput),
		newReprocessCmd(),
		newTaskCmd(&jsonOutput),
		newMigrateCmd(),
	)
	return rootCmd
}

// withRuntime loads the environment config, applies adjust and runs fn
// against the built runtime.
func withRuntime(ctx context.Context, adjust func(*config.ServerConfig), fn func(*config.Runtime) error) error {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
	}
	rt, err := cfg.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

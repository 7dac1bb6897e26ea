package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-refstore/pkg/refstore/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const envPrefix = "REFSTORE_"

// Env is the CLI environment
type Env struct {
	ConfigFile string `env:"REFSTORE_CONFIG_FILE"`
	Server     string `env:"REFSTORE_SERVER" env-default:"http://localhost:8080"`
	Token      string `env:"REFSTORE_TOKEN"`
}

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var configFile string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "refsctl",
		Short: "Refstore operator CLI",
		Long: `Refstore operator command line interface.

Hashes payloads, inspects and builds replication log snapshots, runs
replicators once and fetches references from a running server.

Commands that build a local store read the same REFSTORE_* environment
and config file as refstore-server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewHashCommand())
	rootCmd.AddCommand(NewGetCommand())
	rootCmd.AddCommand(NewSnapshotCommand())
	rootCmd.AddCommand(NewReplicateCommand())

	return rootCmd
}

func readEnv() (Env, error) {
	var env Env
	if err := cleanenv.ReadEnv(&env); err != nil {
		return env, fmt.Errorf("failed to read environment: %w", err)
	}
	return env, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// buildComponents builds a local store from the config file and the
// REFSTORE_* environment
func buildComponents(cmd *cobra.Command) (*config.Components, error) {
	env, err := readEnv()
	if err != nil {
		return nil, err
	}
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		configFile = env.ConfigFile
	}

	var opts []config.Option
	if configFile != "" {
		opts = append(opts, config.WithFile(configFile))
	}
	opts = append(opts, config.WithEnv(envPrefix))

	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}
	return cfg.Build(context.Background(), newLogger(cmd))
}

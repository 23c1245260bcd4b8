package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/config"
)

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	envFile    string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "relay",
		Short:        "relay - stateful chat completion relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file merged into the environment")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides RELAY_DB_PATH)")

	root.AddCommand(
		newServeCmd(opts),
		newHistoryCmd(opts),
		newEventsCmd(opts),
		newTokensCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

// load resolves configuration. offline commands never reach the model
// and so skip the credential check.
func (o *rootOptions) load(offline bool) (config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigFile: o.configFile,
		EnvFile:    o.envFile,
		Offline:    offline,
	})
	if err != nil {
		return config.Config{}, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocopilot/cocopilot/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newViper returns a viper instance reading COCOPILOT_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("COCOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "cocopilot",
		Short:         "CocoPilot offline cache worker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "cocopilot.yaml", "path to config file")
	root.PersistentFlags().String("log-level", "", "override the configured log level")
	root.PersistentFlags().String("db", "", "override the configured database path")
	cobra.CheckErr(v.BindPFlags(root.PersistentFlags()))

	root.AddCommand(
		newServeCmd(v),
		newInstallCmd(v),
		newCacheCmd(v),
		newMessageCmd(v),
		newSyncCmd(v),
		newStatusCmd(v),
		newStatsCmd(v),
	)
	return root
}

// loadConfig reads the config file and applies flag and COCOPILOT_* environment
// overrides. A missing file falls back to defaults unless it was named
// explicitly.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !v.IsSet("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if listen := v.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if db := v.GetString("db"); db != "" {
		cfg.DBPath = db
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

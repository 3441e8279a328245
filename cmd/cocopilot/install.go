package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cachepkg "github.com/cocopilot/cocopilot/pkg/cache/sqlite"
	"github.com/cocopilot/cocopilot/pkg/logging"
	"github.com/cocopilot/cocopilot/pkg/worker"
)

func newInstallCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the configured version into the cache without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			store, err := cachepkg.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init cache: %w", err)
			}
			defer func() { _ = store.Close() }()

			reg := worker.NewRegistration(store, &http.Client{Timeout: cfg.Fetch.Timeout}, logger)
			defer reg.Close()

			regErr := reg.Register(cmd.Context(), cfg.Worker)
			if err := printState(cmd.OutOrStdout(), reg.Snapshot()); err != nil {
				return err
			}
			return regErr
		},
	}
}

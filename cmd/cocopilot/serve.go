package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	cachepkg "github.com/cocopilot/cocopilot/pkg/cache/sqlite"
	"github.com/cocopilot/cocopilot/pkg/logging"
	"github.com/cocopilot/cocopilot/pkg/proxy"
	"github.com/cocopilot/cocopilot/pkg/tracker"
	"github.com/cocopilot/cocopilot/pkg/worker"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register the worker and serve the origin through it",
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

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := &http.Client{Timeout: cfg.Fetch.Timeout}
			reg := worker.NewRegistration(store, client, logger)
			defer reg.Close()

			if err := reg.Register(ctx, cfg.Worker); err != nil {
				if reg.Active() == nil {
					logger.Error("no worker available, requests go straight to the network", zap.Error(err))
				} else {
					logger.Warn("install failed, previous version keeps serving",
						zap.String("version", reg.Active().Version()), zap.Error(err))
				}
			}

			srv, err := proxy.New(cfg, reg, tr, logger)
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			sched := worker.NewSyncScheduler(reg, client, cfg.Worker.Origin, cfg.Sync.Interval, logger)
			wg.Go(func() { sched.Run(ctx) })
			defer func() {
				stop()
				wg.Wait()
			}()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().String("listen", "", "override the configured listen address")
	cobra.CheckErr(v.BindPFlag("listen", cmd.Flags().Lookup("listen")))
	return cmd
}

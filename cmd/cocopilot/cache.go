package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cachepkg "github.com/cocopilot/cocopilot/pkg/cache/sqlite"
	"github.com/cocopilot/cocopilot/pkg/config"
)

func newCacheCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage cache generations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cache generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(v, func(cfg *config.Config, c *cachepkg.Cache) error {
				ctx := cmd.Context()
				gens, err := c.Generations(ctx)
				if err != nil {
					return err
				}
				active, err := c.ActiveVersion(ctx)
				if err != nil {
					return err
				}
				current := ""
				if active != "" {
					current = cfg.Worker.CachePrefix + active
				}
				return printGenerations(cmd.OutOrStdout(), gens, current)
			})
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(v, func(cfg *config.Config, c *cachepkg.Cache) error {
				stats, err := c.Stats(cmd.Context())
				if err != nil {
					return err
				}
				active, err := c.ActiveVersion(cmd.Context())
				if err != nil {
					return err
				}
				if active == "" {
					active = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Active:      %s\nGenerations: %d\nEntries:     %d\n",
					active, stats.Generations, stats.Entries)
				return nil
			})
		},
	}

	var name string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete one generation, or every generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(v, func(cfg *config.Config, c *cachepkg.Cache) error {
				ctx := cmd.Context()
				names := []string{name}
				if name == "" {
					var err error
					if names, err = c.Keys(ctx); err != nil {
						return err
					}
				}
				for _, n := range names {
					ok, err := c.Delete(ctx, n)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("cache generation %q not found", n)
					}
				}
				if name == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache generations.\n", len(names))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache generation %s.\n", name)
				}
				return nil
			})
		},
	}
	clearCmd.Flags().StringVar(&name, "name", "", "only clear this generation")

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete generations other than the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(v, func(cfg *config.Config, c *cachepkg.Cache) error {
				ctx := cmd.Context()
				keep := cfg.Worker.CacheName()
				active, err := c.ActiveVersion(ctx)
				if err != nil {
					return err
				}
				if active != "" {
					keep = cfg.Worker.CachePrefix + active
				}

				names, err := c.Keys(ctx)
				if err != nil {
					return err
				}
				var pruned []string
				for _, n := range names {
					if n == keep {
						continue
					}
					if cfg.Worker.PruneScope == config.PrunePrefix && !strings.HasPrefix(n, cfg.Worker.CachePrefix) {
						continue
					}
					if _, err := c.Delete(ctx, n); err != nil {
						return err
					}
					pruned = append(pruned, n)
				}
				if len(pruned) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s (kept %s).\n", strings.Join(pruned, ", "), keep)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, statsCmd, clearCmd, pruneCmd)
	return cmd
}

// withStore loads the config and opens the cache store for the duration of fn.
func withStore(v *viper.Viper, fn func(*config.Config, *cachepkg.Cache) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	c, err := cachepkg.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer func() { _ = c.Close() }()
	return fn(cfg, c)
}

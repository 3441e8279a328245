package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocopilot/cocopilot/pkg/tracker"
)

func newStatsCmd(v *viper.Viper) *cobra.Command {
	var (
		since  time.Duration
		recent int
		purge  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how requests were served",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if purge > 0 {
				n, err := tr.Purge(ctx, time.Now().Add(-purge))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Purged %d fetch records.\n", n)
				return nil
			}

			if recent > 0 {
				records, err := tr.Recent(ctx, recent)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(out, "No requests recorded.")
					return nil
				}
				table := tablewriter.NewWriter(out)
				table.Header([]string{"Time", "Version", "Method", "URL", "Source", "Status", "Duration"})
				var data [][]string
				for _, r := range records {
					data = append(data, []string{
						r.CreatedAt.Format(time.DateTime), r.Version, r.Method, r.URL,
						sourceLabel(r.Source), strconv.Itoa(r.Status), r.Duration.Round(time.Microsecond).String(),
					})
				}
				if err := table.Bulk(data); err != nil {
					return err
				}
				return table.Render()
			}

			summaries, err := tr.Summary(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No requests recorded.")
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.Header([]string{"Policy", "Source", "Requests", "Avg Duration"})
			var data [][]string
			var total int64
			for _, s := range summaries {
				policy := s.Policy
				if policy == "" {
					policy = "-"
				}
				data = append(data, []string{
					policy, sourceLabel(s.Source), strconv.FormatInt(s.Requests, 10), s.AvgDuration.Round(time.Microsecond).String(),
				})
				total += s.Requests
			}
			if err := table.Bulk(data); err != nil {
				return err
			}
			if err := table.Render(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d requests in the last %s\n", total, since)
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "summarise requests newer than this")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent requests instead of a summary")
	cmd.Flags().DurationVar(&purge, "purge", 0, "delete records older than this and exit")
	return cmd
}

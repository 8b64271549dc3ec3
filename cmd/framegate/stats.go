package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prompt2frame/framegate/pkg/history"
	"github.com/prompt2frame/framegate/pkg/models"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		clientID   string
		outcome    string
		since      time.Duration
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show generation outcome statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			h, err := history.New(cfg.DBPath, 0)
			if err != nil {
				return err
			}
			defer h.Close()

			ctx := cmd.Context()
			opts := history.QueryOpts{ClientID: clientID, Outcome: models.Outcome(outcome)}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}

			if recent > 0 {
				opts.Limit = recent
				recs, err := h.Query(ctx, opts)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No generation requests found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tCLIENT\tQUALITY\tOUTCOME\tLATENCY\tCORRELATION ID")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.ClientID, r.Quality, r.Outcome, r.LatencyMs, r.CorrelationID)
				}
				return w.Flush()
			}

			summaries, err := h.Summary(ctx, opts)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No generation requests found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OUTCOME\tREQUESTS\tAVG LATENCY")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%.0fms\n", s.Outcome, s.Count, s.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&clientID, "client", "", "filter by client identity")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (rendered, cache_hit, rate_limited, ...)")
	cmd.Flags().DurationVar(&since, "since", 0, "only include requests newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent requests instead of a summary")
	return cmd
}

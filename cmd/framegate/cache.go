package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cachepkg "github.com/prompt2frame/framegate/pkg/cache/sqlite"
)

func openStore(configPath string) (*cachepkg.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return cachepkg.New(cfg.DBPath)
}

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the persisted render cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show persisted cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\nExpired: %d\n", stats.Entries, stats.Expirations)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List live persisted artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			entries, err := s.Live(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No cached artifacts.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tQUALITY\tCREATED\tEXPIRES\tURL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Fingerprint, e.Artifact.Quality,
					e.CreatedAt.Format(time.DateTime), e.CreatedAt.Add(e.TTL).Format(time.DateTime),
					e.Artifact.URL)
			}
			return w.Flush()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Show one persisted artifact as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			e, ok := s.Get(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("no live artifact for fingerprint %s", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(e)
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear persisted cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearStore(cmd.Context(), configPath, expiredOnly)
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries (same as clear --expired)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearStore(cmd.Context(), configPath, true)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statsCmd, listCmd, showCmd, clearCmd, sweepCmd)
	return cmd
}

func clearStore(ctx context.Context, configPath string, expiredOnly bool) error {
	s, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	n, err := s.Clear(ctx, expiredOnly)
	if err != nil {
		return err
	}
	if expiredOnly {
		fmt.Printf("%d expired cache entries cleared.\n", n)
	} else {
		fmt.Printf("%d cache entries cleared.\n", n)
	}
	return nil
}

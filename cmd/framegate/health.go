package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var (
		addr      string
		withStats bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running server's health and stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			base := strings.TrimRight(addr, "/")

			code, err := fetchJSON(client, base+"/health")
			if err != nil {
				return err
			}
			if withStats {
				if _, err := fetchJSON(client, base+"/stats"); err != nil {
					return err
				}
			}
			if code != http.StatusOK {
				return fmt.Errorf("server unhealthy: status %d", code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the framegate server")
	cmd.Flags().BoolVar(&withStats, "stats", true, "also print /stats")
	return cmd
}

// fetchJSON GETs url and pretty-prints the JSON body to stdout.
func fetchJSON(client *http.Client, url string) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", url, err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Fprintf(os.Stdout, "%s\n%s\n", url, out.String())
	return resp.StatusCode, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/finpulse/finpulse/internal/scheduler"
)

func newJobsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs on a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(addr + "/api/jobs")
			if err != nil {
				return fmt.Errorf("failed to reach admin API at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("admin API returned %s", resp.Status)
			}

			var jobs []scheduler.Job
			if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
				return fmt.Errorf("failed to decode jobs: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSPEC\tENABLED\tRUNS\tERRORS\tLAST RUN\tNEXT RUN")
			for _, j := range jobs {
				last := "-"
				if !j.LastRun.IsZero() {
					last = j.LastRun.Format(time.RFC3339)
				}
				next := "-"
				if !j.NextRun.IsZero() {
					next = j.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\t%s\n",
					j.ID, j.Type, j.Spec, j.Enabled, j.RunCount, j.ErrorCount, last, next)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "admin API base URL")
	return cmd
}

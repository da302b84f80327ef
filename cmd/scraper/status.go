package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/config"
	"github.com/Sternrassler/quota-scraper/pkg/status"
	"github.com/spf13/cobra"
)

type statusOptions struct {
	runID    string
	redisURL string
	asJSON   bool
}

func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the latest (or a given) run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			if opts.redisURL == "" {
				opts.redisURL = getEnv("REDIS_URL", "localhost:6379")
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run identifier (default: latest run)")
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", "", "Redis address or URL (default: $REDIS_URL or localhost:6379)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the raw snapshot as JSON")

	return cmd
}

func showStatus(ctx context.Context, w io.Writer, opts *statusOptions) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rdb, err := openRedis(ctx, opts.redisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := status.NewStore(rdb, status.DefaultTTL)

	var snap *status.Snapshot
	if opts.runID != "" {
		snap, err = store.Get(ctx, opts.runID)
	} else {
		snap, err = store.Latest(ctx)
	}
	if errors.Is(err, status.ErrNoStatus) {
		fmt.Fprintln(w, "No run status found.")
		return nil
	}
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return printSnapshot(w, snap, time.Now())
}

func printSnapshot(w io.Writer, snap *status.Snapshot, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Run:\t%s\n", snap.RunID)
	fmt.Fprintf(tw, "State:\t%s\n", snap.State)
	fmt.Fprintf(tw, "Started:\t%s\n", snap.StartedAt.Format(time.DateTime))
	fmt.Fprintf(tw, "Last update:\t%s (%s ago)\n",
		snap.UpdatedAt.Format(time.DateTime), now.Sub(snap.UpdatedAt).Round(time.Second))
	if !snap.FinishedAt.IsZero() {
		fmt.Fprintf(tw, "Finished:\t%s\n", snap.FinishedAt.Format(time.DateTime))
	}
	fmt.Fprintf(tw, "Progress:\t%d/%d (%.1f%%)\n", snap.Completed, snap.Total, snap.Percent())
	fmt.Fprintf(tw, "Errors:\t%d\n", snap.Errors)

	if len(snap.Counts) > 0 {
		kinds := make([]string, 0, len(snap.Counts))
		for kind := range snap.Counts {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		parts := make([]string, len(kinds))
		for i, kind := range kinds {
			parts[i] = fmt.Sprintf("%s=%d", kind, snap.Counts[kind])
		}
		fmt.Fprintf(tw, "Outcomes:\t%s\n", strings.Join(parts, " "))
	}

	pool := snap.Pool
	fmt.Fprintf(tw, "Tokens:\t%d total, %d available, %d exhausted, %d requests\n",
		pool.Total, pool.Available, pool.Exhausted, pool.TotalRequests)
	for _, c := range pool.Credentials {
		reset := "-"
		if !c.ResetAt.IsZero() {
			reset = c.ResetAt.Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "  %s\tremaining=%d\treset=%s\trequests=%d\n", c.ID, c.Remaining, reset, c.Requests)
	}

	return tw.Flush()
}

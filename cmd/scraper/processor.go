package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/Sternrassler/quota-scraper/pkg/dispatch"
	"github.com/Sternrassler/quota-scraper/pkg/pagination"
)

// snapshotColumns are the task metadata columns filled by the snapshot
// processor and written to the results file.
var snapshotColumns = []string{
	"stars", "forks", "open_issues", "pushed_at",
	"contributors", "pulls", "commits", "issues",
}

type repository struct {
	Stars      int    `json:"stargazers_count"`
	Forks      int    `json:"forks_count"`
	OpenIssues int    `json:"open_issues_count"`
	PushedAt   string `json:"pushed_at"`
	Archived   bool   `json:"archived"`
}

// snapshotProcessor fetches repository metadata and, when withCounts is set,
// exact contributor, pull request, commit and issue counts. Values are
// stored in the task metadata.
func snapshotProcessor(api *client.Client, fetcher *pagination.BatchFetcher, withCounts bool) dispatch.Processor {
	return func(ctx context.Context, task dispatch.Task) (client.Outcome, error) {
		base := "/repos/" + task.Target

		outcome := api.Get(ctx, base)
		if !outcome.OK() {
			return outcome, nil
		}

		var repo repository
		if err := outcome.Decode(&repo); err != nil {
			return outcome, err
		}
		task.Meta["stars"] = strconv.Itoa(repo.Stars)
		task.Meta["forks"] = strconv.Itoa(repo.Forks)
		task.Meta["open_issues"] = strconv.Itoa(repo.OpenIssues)
		task.Meta["pushed_at"] = repo.PushedAt

		if !withCounts {
			return outcome, nil
		}

		counts := []struct {
			column string
			count  func() (int, error)
		}{
			{"contributors", func() (int, error) {
				return fetcher.CountByLastPage(ctx, base+"/contributors?anon=1")
			}},
			{"pulls", func() (int, error) {
				return fetcher.CountByLastPage(ctx, base+"/pulls?state=all")
			}},
			{"commits", func() (int, error) {
				return fetcher.CountByLastPage(ctx, base+"/commits")
			}},
			{"issues", func() (int, error) {
				return fetcher.CountItems(ctx, base+"/issues?state=all", pagination.ExcludePullRequests)
			}},
		}

		for _, c := range counts {
			n, err := c.count()
			if err != nil {
				if api.Pool().IsExhausted() {
					return client.Outcome{Kind: client.KindExhausted, Reason: err.Error()}, nil
				}
				return outcome, fmt.Errorf("count %s: %w", c.column, err)
			}
			task.Meta[c.column] = strconv.Itoa(n)
		}
		return outcome, nil
	}
}

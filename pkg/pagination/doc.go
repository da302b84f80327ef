// Package pagination counts the items of paginated GitHub REST endpoints.
//
// GitHub announces the page count in the Link header (rel="last"). This
// package fetches the first page to learn it, then fetches the remaining
// pages in parallel through the resilient client and counts items exactly.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(apiClient, pagination.DefaultConfig())
//	issues, err := fetcher.CountItems(ctx, "/repos/o/r/issues?state=all", pagination.ExcludePullRequests)
//	contributors, err := fetcher.CountByLastPage(ctx, "/repos/o/r/contributors")
//
// The batch fetcher:
//   - Fetches the first page to determine total pages
//   - Spawns a worker pool (default 10 workers)
//   - Distributes remaining pages across workers
//   - Stops early and reports the first failed page
//
// Counts are exact: a partially fetched endpoint is an error, never an estimate.
package pagination

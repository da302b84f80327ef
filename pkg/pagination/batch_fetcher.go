package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page requests.
	MaxConcurrency int

	// PerPage is the page size requested from the API (GitHub allows 1..100).
	PerPage int
}

// DefaultConfig returns the defaults for GitHub REST endpoints.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		PerPage:        100,
	}
}

// PageFetcher performs a GET through the resilient client.
// *client.Client implements it.
type PageFetcher interface {
	Get(ctx context.Context, path string) client.Outcome
}

// PageResult is the result of fetching a single page.
type PageResult struct {
	PageNumber int
	Data       []byte
	Error      error
}

// Filter decides whether an item is counted.
type Filter func(item json.RawMessage) bool

// ExcludePullRequests drops pull requests from issue listings, which GitHub
// returns alongside issues with a "pull_request" member.
func ExcludePullRequests(item json.RawMessage) bool {
	var probe struct {
		PullRequest json.RawMessage `json:"pull_request"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return false
	}
	return probe.PullRequest == nil
}

// BatchFetcher fetches all pages of an endpoint in parallel.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher.
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.PerPage <= 0 || config.PerPage > 100 {
		config.PerPage = 100
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "pagination").Logger(),
	}
}

// SetLogger replaces the component logger.
func (bf *BatchFetcher) SetLogger(logger zerolog.Logger) {
	bf.logger = logger
}

// CountByLastPage counts the items of endpoint by requesting one item per
// page and reading the last page number. Costs a single call.
func (bf *BatchFetcher) CountByLastPage(ctx context.Context, endpoint string) (int, error) {
	outcome, err := bf.fetchPage(ctx, endpoint, 1, 1)
	if err != nil {
		return 0, err
	}
	if last := LastPage(outcome.Header); last > 0 {
		return last, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(outcome.Payload, &items); err != nil {
		return 0, fmt.Errorf("decode page 1 of %s: %w", endpoint, err)
	}
	return len(items), nil
}

// CountItems fetches every page of endpoint and counts the items that pass
// filter. A nil filter counts everything.
func (bf *BatchFetcher) CountItems(ctx context.Context, endpoint string, filter Filter) (int, error) {
	pages, err := bf.FetchAllPages(ctx, endpoint)
	if err != nil {
		return 0, err
	}

	count := 0
	for pageNum, data := range pages {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return 0, fmt.Errorf("decode page %d of %s: %w", pageNum, endpoint, err)
		}
		for _, item := range items {
			if filter == nil || filter(item) {
				count++
			}
		}
	}
	return count, nil
}

// FetchAllPages fetches all pages of an endpoint in parallel using a worker
// pool. Returns pageNumber -> body. On failure the pages fetched so far are
// returned together with the error of the first failed page.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, endpoint string) (map[int][]byte, error) {
	start := time.Now()

	first, err := bf.fetchPage(ctx, endpoint, 1, bf.config.PerPage)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}

	totalPages := max(LastPage(first.Header), 1)
	results := map[int][]byte{1: first.Payload}

	if totalPages == 1 {
		bf.logger.Debug().
			Str("endpoint", endpoint).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, nil
	}

	bf.logger.Debug().
		Str("endpoint", endpoint).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pageQueue := make(chan int, totalPages-1)
	for page := 2; page <= totalPages; page++ {
		pageQueue <- page
	}
	close(pageQueue)

	pageResults := make(chan PageResult, totalPages-1)

	var wg sync.WaitGroup
	workers := min(bf.config.MaxConcurrency, totalPages-1)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(fetchCtx, endpoint, pageQueue, pageResults, &wg, i)
	}

	go func() {
		wg.Wait()
		close(pageResults)
	}()

	var firstErr error
	for result := range pageResults {
		if result.Error != nil {
			if firstErr == nil {
				firstErr = result.Error
				cancel()
			}
			continue
		}
		results[result.PageNumber] = result.Data
	}

	if firstErr == nil && len(results) < totalPages {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		bf.logger.Warn().
			Err(firstErr).
			Str("endpoint", endpoint).
			Int("fetched_pages", len(results)).
			Int("total_pages", totalPages).
			Msg("Returning partial results")
		return results, fmt.Errorf("partial data (%d/%d pages): %w", len(results), totalPages, firstErr)
	}

	bf.logger.Debug().
		Str("endpoint", endpoint).
		Int("pages", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")
	return results, nil
}

// worker processes pages from the queue until it is empty or ctx is done.
func (bf *BatchFetcher) worker(ctx context.Context, endpoint string, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		if ctx.Err() != nil {
			bf.logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		outcome, err := bf.fetchPage(ctx, endpoint, pageNum, bf.config.PerPage)
		results <- PageResult{PageNumber: pageNum, Data: outcome.Payload, Error: err}
		pagesProcessed++
	}
}

func (bf *BatchFetcher) fetchPage(ctx context.Context, endpoint string, page, perPage int) (client.Outcome, error) {
	path, err := pageURL(endpoint, page, perPage)
	if err != nil {
		return client.Outcome{}, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	outcome := bf.fetcher.Get(ctx, path)
	if !outcome.OK() {
		return outcome, fmt.Errorf("page %d: %w", page, outcome.Err())
	}
	return outcome, nil
}

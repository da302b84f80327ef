package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/quota-scraper/internal/testutil"
	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/Sternrassler/quota-scraper/pkg/dispatch"
	"github.com/Sternrassler/quota-scraper/pkg/pagination"
	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/Sternrassler/quota-scraper/pkg/status"
	"github.com/rs/zerolog"
)

const repoJSON = `{"stargazers_count": 42, "forks_count": 7, "open_issues_count": 3, "pushed_at": "2024-05-01T12:00:00Z"}`

func jsonHandler(body string, link string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if link != "" {
			w.Header().Set("Link", link)
		}
		fmt.Fprint(w, body)
	}
}

func newTestAPI(t *testing.T, mock *testutil.MockGitHub) *client.Client {
	t.Helper()

	pool, err := ratelimit.NewPool([]string{"tok_a", "tok_b"}, ratelimit.DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, Delays: []time.Duration{time.Millisecond}, Timeout: 5 * time.Second}
	api, err := client.New(pool, cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	api.SetLogger(zerolog.Nop())
	return api
}

func newTask(target string) dispatch.Task {
	return dispatch.Task{ID: target, Target: target, Meta: map[string]string{}}
}

func TestOpenRedis_InvalidURL(t *testing.T) {
	if _, err := openRedis(context.Background(), "http://localhost:6379"); err == nil {
		t.Error("openRedis() error = nil, want invalid scheme error")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("SCRAPER_TEST_VALUE", "set")

	if got := getEnv("SCRAPER_TEST_VALUE", "default"); got != "set" {
		t.Errorf("getEnv() = %q, want %q", got, "set")
	}
	if got := getEnv("SCRAPER_TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want %q", got, "default")
	}
}

func TestSnapshotProcessor(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	mock.SetHandler("/repos/o/r", jsonHandler(repoJSON, ""))

	api := newTestAPI(t, mock)
	process := snapshotProcessor(api, pagination.NewBatchFetcher(api, pagination.DefaultConfig()), false)

	task := newTask("o/r")
	outcome, err := process(context.Background(), task)
	if err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if !outcome.OK() {
		t.Fatalf("outcome = %s, want success", outcome.Kind)
	}

	want := map[string]string{"stars": "42", "forks": "7", "open_issues": "3", "pushed_at": "2024-05-01T12:00:00Z"}
	for key, value := range want {
		if task.Meta[key] != value {
			t.Errorf("Meta[%s] = %q, want %q", key, task.Meta[key], value)
		}
	}
	if _, ok := task.Meta["commits"]; ok {
		t.Error("counts collected without --counts")
	}
}

func TestSnapshotProcessor_Counts(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	last := func(path string, page int) string {
		return fmt.Sprintf(`<%s%s?page=%d>; rel="last"`, mock.URL(), path, page)
	}
	mock.SetHandler("/repos/o/r", jsonHandler(repoJSON, ""))
	mock.SetHandler("/repos/o/r/contributors", jsonHandler(`[{}]`, last("/repos/o/r/contributors", 12)))
	mock.SetHandler("/repos/o/r/pulls", jsonHandler(`[{}]`, ""))
	mock.SetHandler("/repos/o/r/commits", jsonHandler(`[{}]`, last("/repos/o/r/commits", 345)))
	mock.SetHandler("/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("Link", last("/repos/o/r/issues", 2))
		if page == 2 {
			fmt.Fprint(w, `[{"number": 3}]`)
			return
		}
		fmt.Fprint(w, `[{"number": 1}, {"number": 2, "pull_request": {}}]`)
	})

	api := newTestAPI(t, mock)
	process := snapshotProcessor(api, pagination.NewBatchFetcher(api, pagination.DefaultConfig()), true)

	task := newTask("o/r")
	if _, err := process(context.Background(), task); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	want := map[string]string{"contributors": "12", "pulls": "1", "commits": "345", "issues": "2"}
	for key, value := range want {
		if task.Meta[key] != value {
			t.Errorf("Meta[%s] = %q, want %q", key, task.Meta[key], value)
		}
	}
}

func TestSnapshotProcessor_NotFound(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	mock.SetResponse("/repos/o/gone", testutil.NewNotFoundResponse())

	api := newTestAPI(t, mock)
	process := snapshotProcessor(api, pagination.NewBatchFetcher(api, pagination.DefaultConfig()), true)

	outcome, err := process(context.Background(), newTask("o/gone"))
	if err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if outcome.Kind != client.KindNotFound {
		t.Errorf("outcome = %s, want %s", outcome.Kind, client.KindNotFound)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.GetRequestCount())
	}
}

func TestPrintSnapshot(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &status.Snapshot{
		RunID:     "run-123",
		State:     status.StateSleeping,
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-2 * time.Minute),
		Total:     200,
		Completed: 50,
		Counts:    map[string]int{"success": 48, "not_found": 2},
		Errors:    1,
		Pool: ratelimit.Stats{
			Total:         2,
			Exhausted:     2,
			TotalRequests: 9800,
			Credentials: []ratelimit.CredentialStats{
				{ID: "token#1", Remaining: 0, ResetAt: now.Add(30 * time.Minute), Requests: 4900},
				{ID: "token#2", Remaining: 3, Requests: 4900},
			},
		},
	}

	var buf bytes.Buffer
	if err := printSnapshot(&buf, snap, now); err != nil {
		t.Fatalf("printSnapshot() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"run-123",
		"sleeping",
		"50/200 (25.0%)",
		"(2m0s ago)",
		"not_found=2 success=48",
		"2 total, 0 available, 2 exhausted, 9800 requests",
		"token#1",
		"reset=12:30:00",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Finished:") {
		t.Error("unfinished run printed a finish time")
	}
}

// setupRunEnv points the run command at mock and isolates it from the
// developer's environment.
func setupRunEnv(t *testing.T, mock *testutil.MockGitHub) {
	t.Helper()

	for i := 1; i <= 20; i++ {
		t.Setenv("GITHUB_TOKEN_"+strconv.Itoa(i), "")
	}
	for _, key := range []string{"GITHUB_TOKENS", "REDIS_URL", "DISCORD_WEBHOOK_URL", "discord_webhook_url", "SCRAPER_METRICS_ADDR", "SCRAPER_LOG_FILE", "SCRAPER_CACHE_ENABLED"} {
		t.Setenv(key, "")
	}
	t.Setenv("GITHUB_TOKEN_1", "tok_a")
	t.Setenv("GITHUB_TOKEN_2", "tok_b")
	t.Setenv("SCRAPER_API_URL", mock.URL())
	t.Setenv("SCRAPER_PACING", "0s")

	prevCfg, prevEnv := cfgFile, envFile
	cfgFile = ""
	envFile = filepath.Join(t.TempDir(), "missing.env")
	t.Cleanup(func() {
		cfgFile, envFile = prevCfg, prevEnv
	})
}

func TestRunScrape(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()

	mock.SetHandler("/repos/o/a", jsonHandler(repoJSON, ""))
	mock.SetHandler("/repos/o/b", jsonHandler(repoJSON, ""))
	mock.SetResponse("/repos/o/gone", testutil.NewNotFoundResponse())
	setupRunEnv(t, mock)

	dir := t.TempDir()
	input := filepath.Join(dir, "repos.txt")
	if err := os.WriteFile(input, []byte("# test input\no/a\nhttps://github.com/o/b\no/gone\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	output := filepath.Join(dir, "out", "results.csv")

	err := runScrape(context.Background(), &runOptions{
		input:    input,
		output:   output,
		runID:    "test-run",
		logLevel: "error",
	})
	if err != nil {
		t.Fatalf("runScrape() error = %v", err)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want header + 3 rows", len(records))
	}

	outcomes := map[string]string{}
	stars := map[string]string{}
	starsCol := -1
	for i, name := range records[0] {
		if name == "stars" {
			starsCol = i
		}
	}
	if starsCol < 0 {
		t.Fatalf("header %v has no stars column", records[0])
	}
	for _, row := range records[1:] {
		outcomes[row[0]] = row[2]
		stars[row[0]] = row[starsCol]
	}

	tests := []struct {
		task, outcome, stars string
	}{
		{"o/a", "success", "42"},
		{"o/b", "success", "42"},
		{"o/gone", "not_found", ""},
	}
	for _, tt := range tests {
		if outcomes[tt.task] != tt.outcome {
			t.Errorf("outcome[%s] = %q, want %q", tt.task, outcomes[tt.task], tt.outcome)
		}
		if stars[tt.task] != tt.stars {
			t.Errorf("stars[%s] = %q, want %q", tt.task, stars[tt.task], tt.stars)
		}
	}
}

func TestRunScrape_NoTokens(t *testing.T) {
	mock := testutil.NewMockGitHub()
	defer mock.Close()
	setupRunEnv(t, mock)
	t.Setenv("GITHUB_TOKEN_1", "")
	t.Setenv("GITHUB_TOKEN_2", "")

	err := runScrape(context.Background(), &runOptions{input: "unused", output: filepath.Join(t.TempDir(), "out.csv")})
	if err == nil {
		t.Fatal("runScrape() error = nil, want missing token error")
	}
}

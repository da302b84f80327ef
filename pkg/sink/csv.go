package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Sternrassler/quota-scraper/pkg/dispatch"
)

// Columns written before any metadata column.
var Columns = []string{
	"task_id", "target", "outcome", "status_code", "attempts",
	"credential", "from_cache", "recovered", "duration_ms", "error",
}

// CSV writes one row per result and flushes after every row, so the file
// holds every completed task even if the run is interrupted.
type CSV struct {
	mu       sync.Mutex
	w        *csv.Writer
	closer   io.Closer
	metaKeys []string
	header   bool
}

// NewCSV writes to w. metaKeys are appended as columns from Task.Meta.
func NewCSV(w io.Writer, metaKeys ...string) *CSV {
	c := &CSV{
		w:        csv.NewWriter(w),
		metaKeys: metaKeys,
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// CreateCSV creates (or truncates) the file at path, creating parent
// directories as needed.
func CreateCSV(path string, metaKeys ...string) (*CSV, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return NewCSV(f, metaKeys...), nil
}

// Write implements dispatch.Sink.
func (c *CSV) Write(_ context.Context, r dispatch.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.header {
		if err := c.w.Write(append(append([]string{}, Columns...), c.metaKeys...)); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		c.header = true
	}

	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	row := []string{
		r.Task.ID,
		r.Task.Target,
		string(r.Outcome.Kind),
		strconv.Itoa(r.Outcome.StatusCode),
		strconv.Itoa(r.Outcome.Attempts),
		r.Outcome.CredentialID,
		strconv.FormatBool(r.Outcome.FromCache),
		strconv.FormatBool(r.Recovered),
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		errText,
	}
	for _, key := range c.metaKeys {
		row = append(row, r.Task.Meta[key])
	}

	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the underlying file, if any.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ dispatch.Sink = (*CSV)(nil)

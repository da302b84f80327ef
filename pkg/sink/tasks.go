// Package sink holds the collaborators around a run: loading tasks from
// input files and writing results as CSV.
package sink

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/Sternrassler/quota-scraper/pkg/dispatch"
)

// Repository coordinates parsed from an input line.
type Repository struct {
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository accepts "owner/name", "github.com/owner/name" or a full
// https URL, optionally with a .git suffix or trailing path.
func ParseRepository(s string) (Repository, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Repository{}, fmt.Errorf("empty repository")
	}

	path := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Repository{}, fmt.Errorf("invalid repository url %q: %w", s, err)
		}
		path = u.Path
	} else if i := strings.Index(s, "github.com/"); i >= 0 {
		path = s[i+len("github.com/"):]
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
	return Repository{
		Owner: parts[0],
		Name:  strings.TrimSuffix(parts[1], ".git"),
	}, nil
}

// LoadTasks reads tasks from a file. See ReadTasks for the format.
func LoadTasks(path string) ([]dispatch.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()

	tasks, err := ReadTasks(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return tasks, nil
}

// ReadTasks parses one repository per line ("owner/name" or a URL). Blank
// lines and lines starting with # are ignored, duplicates are dropped.
//
// Input whose first line is a CSV header containing repo_owner and
// repo_name (or repo_url) is read as CSV; the other columns become task
// metadata.
func ReadTasks(r io.Reader) ([]dispatch.Task, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	header, _, _ := strings.Cut(string(first), "\n")
	if isCSVHeader(header) {
		return readCSVTasks(br)
	}
	return readLineTasks(br)
}

func isCSVHeader(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.Contains(line, ",") {
		return false
	}
	return strings.Contains(line, "repo_url") ||
		(strings.Contains(line, "repo_owner") && strings.Contains(line, "repo_name"))
}

func readLineTasks(r io.Reader) ([]dispatch.Task, error) {
	var tasks []dispatch.Task
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		repo, err := ParseRepository(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if seen[repo.FullName()] {
			continue
		}
		seen[repo.FullName()] = true
		tasks = append(tasks, newTask(repo, nil))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func readCSVTasks(r io.Reader) ([]dispatch.Task, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var tasks []dispatch.Task
	seen := make(map[string]bool)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = strings.TrimSpace(record[i])
			}
		}

		var repo Repository
		if row["repo_owner"] != "" && row["repo_name"] != "" {
			repo = Repository{Owner: row["repo_owner"], Name: row["repo_name"]}
		} else {
			line, _ := cr.FieldPos(0)
			repo, err = ParseRepository(row["repo_url"])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		if seen[repo.FullName()] {
			continue
		}
		seen[repo.FullName()] = true

		meta := make(map[string]string)
		for name, value := range row {
			if name != "repo_owner" && name != "repo_name" && value != "" {
				meta[name] = value
			}
		}
		tasks = append(tasks, newTask(repo, meta))
	}
	return tasks, nil
}

func newTask(repo Repository, meta map[string]string) dispatch.Task {
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["owner"] = repo.Owner
	meta["name"] = repo.Name
	return dispatch.Task{
		ID:     repo.FullName(),
		Target: repo.FullName(),
		Meta:   meta,
	}
}

package evidence

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// DiffStats summarizes the repository change produced by an attempt.
type DiffStats struct {
	ChangedFiles      []string `json:"changed_files"`
	ChangedFilesCount int      `json:"changed_files_count"`
	AddedLines        int      `json:"added_lines"`
	DeletedLines      int      `json:"deleted_lines"`
	BinaryFiles       int      `json:"binary_files,omitempty"`
}

// ParseNumstat parses `git diff --numstat` output. Binary files report
// "-" for both counts and contribute no lines.
func ParseNumstat(out string) (DiffStats, error) {
	var d DiffStats
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return DiffStats{}, fmt.Errorf("numstat: malformed line %q", line)
		}
		if parts[0] == "-" && parts[1] == "-" {
			d.BinaryFiles++
		} else {
			added, err := strconv.Atoi(parts[0])
			if err != nil {
				return DiffStats{}, fmt.Errorf("numstat: added count %q: %w", parts[0], err)
			}
			deleted, err := strconv.Atoi(parts[1])
			if err != nil {
				return DiffStats{}, fmt.Errorf("numstat: deleted count %q: %w", parts[1], err)
			}
			d.AddedLines += added
			d.DeletedLines += deleted
		}
		d.ChangedFiles = append(d.ChangedFiles, renamedTarget(parts[2]))
	}
	if err := sc.Err(); err != nil {
		return DiffStats{}, fmt.Errorf("numstat: %w", err)
	}
	d.ChangedFilesCount = len(d.ChangedFiles)
	return d, nil
}

// AddFile records a file absent from the numstat output, such as an
// untracked file, with its line count.
func (d *DiffStats) AddFile(path string, lines int) {
	d.ChangedFiles = append(d.ChangedFiles, path)
	d.ChangedFilesCount = len(d.ChangedFiles)
	d.AddedLines += lines
}

// renamedTarget resolves "old => new" and "dir/{a => b}/f" rename forms.
func renamedTarget(path string) string {
	if !strings.Contains(path, " => ") {
		return path
	}
	if open := strings.Index(path, "{"); open >= 0 {
		if end := strings.Index(path[open:], "}"); end >= 0 {
			inner := path[open+1 : open+end]
			if _, to, ok := strings.Cut(inner, " => "); ok {
				joined := path[:open] + to + path[open+end+1:]
				return strings.ReplaceAll(joined, "//", "/")
			}
		}
	}
	_, to, _ := strings.Cut(path, " => ")
	return to
}

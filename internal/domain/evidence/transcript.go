package evidence

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags a parsed transcript record.
type Kind string

const (
	KindCommand    Kind = "command"
	KindFileChange Kind = "file_change"
	KindUsage      Kind = "usage"
	KindOther      Kind = "other"
	KindUnparsed   Kind = "unparsed"
)

const (
	maxSearchNodes  = 240
	outputTailLimit = 2 << 10
)

var commandKeys = []string{"command", "cmd", "shell_command", "bash_command"}

var usageKeys = []string{"input_tokens", "output_tokens", "cached_input_tokens", "reasoning_tokens", "total_tokens"}

// Line is one raw transcript line. OffsetMS is the arrival time relative
// to process start, or -1 when unknown.
type Line struct {
	Text     string
	OffsetMS int64
}

// Record is one transcript line decoded into a known kind. Lines that are
// not JSON objects become KindUnparsed and are never fatal.
type Record struct {
	Kind     Kind     `json:"kind"`
	Line     int      `json:"line"`
	Type     string   `json:"type,omitempty"`
	ItemID   string   `json:"item_id,omitempty"`
	Command  string   `json:"command,omitempty"`
	Status   string   `json:"status,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Paths    []string `json:"paths,omitempty"`
	Output   string   `json:"-"`
}

// Command is one shell execution observed in the transcript, merged across
// its started and completed records.
type Command struct {
	ItemID     string `json:"item_id,omitempty"`
	Text       string `json:"command"`
	Status     string `json:"status,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	// Output is the tail of the command's aggregated output.
	Output string `json:"-"`
}

// Failed reports whether the command finished with a non-zero exit code.
func (c Command) Failed() bool { return c.ExitCode != nil && *c.ExitCode != 0 }

// Succeeded reports whether the command finished with exit code 0.
func (c Command) Succeeded() bool { return c.ExitCode != nil && *c.ExitCode == 0 }

// Transcript is the tolerant parse of an agent event stream.
type Transcript struct {
	LineCount       int              `json:"jsonl_line_count"`
	ParsedCount     int              `json:"parsed_event_count"`
	ParseErrors     int              `json:"parse_error_count"`
	EventTypeCounts map[string]int   `json:"event_type_counts"`
	Records         []Record         `json:"-"`
	Commands        []Command        `json:"-"`
	FileChanges     []string         `json:"file_changes,omitempty"`
	Usage           map[string]int64 `json:"usage,omitempty"`
}

// Parse parses text without timing information.
func Parse(text string) *Transcript {
	raw := strings.Split(text, "\n")
	lines := make([]Line, len(raw))
	for i, l := range raw {
		lines[i] = Line{Text: l, OffsetMS: -1}
	}
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return ParseLines(lines)
}

// ParseLines parses lines in order.
func ParseLines(lines []Line) *Transcript {
	t := &Transcript{
		LineCount:       len(lines),
		EventTypeCounts: map[string]int{},
		Usage:           map[string]int64{},
	}
	byItem := map[string]int{}
	started := map[string]int64{}
	seenPath := map[string]bool{}

	for idx, ln := range lines {
		text := strings.TrimSpace(ln.Text)
		if text == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(text), &payload); err != nil || payload == nil {
			t.ParseErrors++
			t.Records = append(t.Records, Record{Kind: KindUnparsed, Line: idx + 1})
			continue
		}
		t.ParsedCount++
		typ := strings.ToLower(strings.TrimSpace(firstString(payload, "type", "event", "name")))
		if typ == "" {
			typ = "unknown"
		}
		t.EventTypeCounts[typ]++

		if typ == "turn.completed" {
			if usage, ok := payload["usage"].(map[string]any); ok {
				for _, k := range usageKeys {
					if v, ok := optionalInt(usage[k]); ok {
						t.Usage[k] = int64(v)
					}
				}
			}
			t.Records = append(t.Records, Record{Kind: KindUsage, Line: idx + 1, Type: typ})
			continue
		}

		rec := Record{Kind: KindOther, Line: idx + 1, Type: typ}
		item, _ := payload["item"].(map[string]any)
		switch strings.ToLower(stringValue(item["type"])) {
		case "command_execution":
			rec.ItemID = strings.TrimSpace(stringValue(item["id"]))
			rec.Command = strings.TrimSpace(stringValue(item["command"]))
			rec.Status = strings.TrimSpace(stringValue(item["status"]))
			if v, ok := optionalInt(item["exit_code"]); ok {
				rec.ExitCode = &v
			}
			rec.Output = tail(stringValue(item["aggregated_output"]), outputTailLimit)
		case "file_change":
			rec.Kind = KindFileChange
			rec.ItemID = strings.TrimSpace(stringValue(item["id"]))
			changes, _ := item["changes"].([]any)
			for _, c := range changes {
				cm, _ := c.(map[string]any)
				if p := strings.TrimSpace(stringValue(cm["path"])); p != "" {
					rec.Paths = append(rec.Paths, p)
					if !seenPath[p] {
						seenPath[p] = true
						t.FileChanges = append(t.FileChanges, p)
					}
				}
			}
			t.Records = append(t.Records, rec)
			continue
		}
		if rec.Command == "" {
			rec.Command = strings.TrimSpace(searchString(payload, commandKeys))
		}
		if rec.Command == "" {
			t.Records = append(t.Records, rec)
			continue
		}
		rec.Kind = KindCommand
		t.Records = append(t.Records, rec)

		if rec.ItemID == "" {
			t.Commands = append(t.Commands, Command{Text: rec.Command, Status: rec.Status, ExitCode: rec.ExitCode, Output: rec.Output})
			continue
		}
		pos, ok := byItem[rec.ItemID]
		if !ok {
			pos = len(t.Commands)
			byItem[rec.ItemID] = pos
			t.Commands = append(t.Commands, Command{ItemID: rec.ItemID, Text: rec.Command})
		}
		c := &t.Commands[pos]
		if rec.Status != "" {
			c.Status = rec.Status
		}
		if rec.ExitCode != nil {
			c.ExitCode = rec.ExitCode
		}
		if rec.Output != "" {
			c.Output = rec.Output
		}
		switch typ {
		case "item.started":
			if ln.OffsetMS >= 0 {
				started[rec.ItemID] = ln.OffsetMS
			}
		case "item.completed":
			if s, ok := started[rec.ItemID]; ok && ln.OffsetMS >= 0 {
				c.DurationMS = max(ln.OffsetMS-s, 0)
				delete(started, rec.ItemID)
			}
		}
	}
	return t
}

// CommandTexts returns the distinct command texts in first-seen order.
func (t *Transcript) CommandTexts() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range t.Commands {
		if !seen[c.Text] {
			seen[c.Text] = true
			out = append(out, c.Text)
		}
	}
	return out
}

// Count is a value with its number of occurrences.
type Count struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// TopByFrequency returns the most frequent commands, ties broken by first
// appearance.
func (t *Transcript) TopByFrequency(limit int) []Count {
	counts := map[string]int{}
	var order []string
	for _, c := range t.Commands {
		if counts[c.Text] == 0 {
			order = append(order, c.Text)
		}
		counts[c.Text]++
	}
	out := make([]Count, 0, len(order))
	for _, v := range order {
		out = append(out, Count{Value: v, Count: counts[v]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TopByDuration returns the slowest timed commands.
func (t *Transcript) TopByDuration(limit int) []Command {
	var timed []Command
	for _, c := range t.Commands {
		if c.DurationMS > 0 {
			timed = append(timed, c)
		}
	}
	sort.SliceStable(timed, func(i, j int) bool { return timed[i].DurationMS > timed[j].DurationMS })
	if limit > 0 && len(timed) > limit {
		timed = timed[:limit]
	}
	return timed
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func optionalInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

// searchString does a bounded breadth-first search for the first non-empty
// string under any of keys. Map keys are visited in sorted order.
func searchString(root map[string]any, keys []string) string {
	want := map[string]bool{}
	for _, k := range keys {
		want[k] = true
	}
	queue := []any{root}
	for visited := 0; len(queue) > 0 && visited < maxSearchNodes; visited++ {
		node := queue[0]
		queue = queue[1:]
		switch n := node.(type) {
		case map[string]any:
			names := make([]string, 0, len(n))
			for k := range n {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				v := n[k]
				if want[strings.ToLower(strings.TrimSpace(k))] {
					if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
						return s
					}
				}
				switch v.(type) {
				case map[string]any, []any:
					queue = append(queue, v)
				}
			}
		case []any:
			for _, v := range n {
				switch v.(type) {
				case map[string]any, []any:
					queue = append(queue, v)
				}
			}
		}
	}
	return ""
}

// tail returns at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

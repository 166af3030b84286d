// Package export renders a day's activity cards as a markdown journal file.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/retrace/retrace-agent/internal/journal"
)

type Request struct {
	Date      string `json:"date"` // YYYY-MM-DD, defaults to today
	OutputDir string `json:"output_dir"`
}

type Response struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
	CardCount  int    `json:"card_count"`
}

// GenerateMarkdown renders cards (sorted by start time) into a journal
// document. Distraction JSON that does not parse is shown raw rather than
// dropped.
func GenerateMarkdown(day time.Time, cards []*journal.ActivityCard) string {
	sorted := make([]*journal.ActivityCard, len(cards))
	copy(sorted, cards)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTs < sorted[j].StartTs })

	var b strings.Builder
	fmt.Fprintf(&b, "# Activity Journal — %s\n\n", day.Format("Monday, January 2, 2006"))

	if len(sorted) == 0 {
		b.WriteString("No activity recorded.\n")
		return b.String()
	}

	var total time.Duration
	byCategory := map[string]time.Duration{}
	for _, c := range sorted {
		d := time.Duration(c.EndTs-c.StartTs) * time.Second
		total += d
		byCategory[c.Category] += d
	}

	fmt.Fprintf(&b, "Tracked %s across %d activities.\n\n", formatDuration(total), len(sorted))

	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Slice(categories, func(i, j int) bool { return byCategory[categories[i]] > byCategory[categories[j]] })
	for _, cat := range categories {
		fmt.Fprintf(&b, "- %s: %s\n", cat, formatDuration(byCategory[cat]))
	}
	b.WriteString("\n")

	for _, c := range sorted {
		fmt.Fprintf(&b, "## %s – %s · %s\n\n", c.StartTime, c.EndTime, c.Title)
		fmt.Fprintf(&b, "*%s*", c.Category)
		if c.Subcategory != "" {
			fmt.Fprintf(&b, " · %s", c.Subcategory)
		}
		if c.AppPrimary != "" {
			fmt.Fprintf(&b, " · %s", c.AppPrimary)
		}
		b.WriteString("\n\n")

		if c.Summary != "" {
			b.WriteString(c.Summary + "\n\n")
		}
		if c.DetailedSummary != "" && c.DetailedSummary != c.Summary {
			if entries := journal.ParseTimeline(c.DetailedSummary); len(entries) > 0 {
				for _, e := range entries {
					fmt.Fprintf(&b, "- %s %s\n", e.Clock, e.Text)
				}
				b.WriteString("\n")
			} else {
				b.WriteString(c.DetailedSummary + "\n\n")
			}
		}

		if c.Distractions != "" {
			var distractions []journal.Distraction
			if err := json.Unmarshal([]byte(c.Distractions), &distractions); err != nil {
				fmt.Fprintf(&b, "Distractions: %s\n\n", c.Distractions)
			} else if len(distractions) > 0 {
				b.WriteString("Distractions:\n")
				for _, d := range distractions {
					fmt.Fprintf(&b, "- %s – %s: %s\n", d.StartTime, d.EndTime, d.Title)
				}
				b.WriteString("\n")
			}
		}
	}

	return b.String()
}

// WriteDayJournal renders and writes the journal for day into dir, returning
// the output path. The filename is derived from the date, sanitized the same
// way all exported names are.
func WriteDayJournal(day time.Time, cards []*journal.ActivityCard, dir string) (string, error) {
	if err := ValidateOutputDir(dir); err != nil {
		return "", err
	}

	name := SanitizeName(fmt.Sprintf("journal-%s.md", day.Format("2006-01-02")), 128)
	path := filepath.Join(dir, name)

	content := GenerateMarkdown(day, cards)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write journal: %w", err)
	}
	return path, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}

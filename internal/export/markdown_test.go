package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/retrace/retrace-agent/internal/journal"
)

func testDay() time.Time {
	return time.Date(2024, 3, 14, 0, 0, 0, 0, time.Local)
}

func testCards() []*journal.ActivityCard {
	return []*journal.ActivityCard{
		{
			BatchID:   "b1",
			StartTime: "2:00 PM", EndTime: "2:30 PM",
			StartTs: 1710417600, EndTs: 1710419400,
			Category: "browsing",
			Title:    "Reading release notes",
			Summary:  "Skimmed the changelog.",
		},
		{
			BatchID:   "b1",
			StartTime: "1:00 PM", EndTime: "2:00 PM",
			StartTs: 1710414000, EndTs: 1710417600,
			Category:    "coding",
			Subcategory: "backend",
			Title:       "Refactoring the scheduler",
			Summary:     "Moved tick logic into its own type.",
			AppPrimary:  "VS Code",
			Distractions: `[{"start_time":"1:20 PM","end_time":"1:25 PM",` +
				`"title":"Checked messages"}]`,
		},
	}
}

func TestGenerateMarkdown(t *testing.T) {
	md := GenerateMarkdown(testDay(), testCards())

	if !strings.Contains(md, "# Activity Journal — Thursday, March 14, 2024") {
		t.Error("missing header")
	}

	// cards are ordered by start time regardless of input order
	coding := strings.Index(md, "Refactoring the scheduler")
	browsing := strings.Index(md, "Reading release notes")
	if coding == -1 || browsing == -1 || coding > browsing {
		t.Errorf("card order wrong: coding at %d, browsing at %d", coding, browsing)
	}

	for _, want := range []string{
		"Tracked 1h 30m across 2 activities.",
		"- coding: 1h",
		"- browsing: 30m",
		"## 1:00 PM – 2:00 PM · Refactoring the scheduler",
		"*coding* · backend · VS Code",
		"- 1:20 PM – 1:25 PM: Checked messages",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestGenerateMarkdownEmptyDay(t *testing.T) {
	md := GenerateMarkdown(testDay(), nil)
	if !strings.Contains(md, "No activity recorded.") {
		t.Errorf("empty day output: %q", md)
	}
}

func TestGenerateMarkdownTimelineSummary(t *testing.T) {
	cards := []*journal.ActivityCard{{
		StartTime: "1:00 PM", EndTime: "2:00 PM",
		StartTs: 100, EndTs: 3700,
		Category: "coding", Title: "Work",
		DetailedSummary: "[13:00] Opened the editor\n[13:20] Ran the test suite\nnot a timeline line",
	}}
	md := GenerateMarkdown(testDay(), cards)

	for _, want := range []string{"- 13:00 Opened the editor", "- 13:20 Ran the test suite"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
	if strings.Contains(md, "not a timeline line") {
		t.Error("non-matching lines should be dropped when a timeline parses")
	}
}

func TestGenerateMarkdownBadDistractionJSON(t *testing.T) {
	cards := []*journal.ActivityCard{{
		StartTime: "1:00 PM", EndTime: "2:00 PM",
		StartTs: 100, EndTs: 3700,
		Category: "coding", Title: "Work",
		Distractions: "not json",
	}}
	md := GenerateMarkdown(testDay(), cards)
	if !strings.Contains(md, "Distractions: not json") {
		t.Error("unparseable distraction payload should be shown raw")
	}
}

func TestWriteDayJournal(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteDayJournal(testDay(), testCards(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "journal-2024-03-14.md" {
		t.Errorf("filename = %q", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Refactoring the scheduler") {
		t.Error("written file missing card content")
	}
}

func TestWriteDayJournalRejectsBadDir(t *testing.T) {
	if _, err := WriteDayJournal(testDay(), nil, "/nope/missing"); err == nil {
		t.Error("expected error for missing dir")
	}
	if _, err := WriteDayJournal(testDay(), nil, "../escape"); err == nil {
		t.Error("expected error for traversal")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
		maxLen   int
	}{
		{"journal-2024-03-14.md", "journal-2024-03-14.md", 0},
		{"a/b\\c:d", "a_b_c_d", 0},
		{"tab\there", "tabhere", 0},
		{"  spaced  ", "spaced", 0},
		{"truncated", "trun", 4},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("SanitizeName(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

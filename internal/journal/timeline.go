package journal

import (
	"regexp"
	"strings"
)

// TimelineEntry is one parsed line of a card's detailed summary.
type TimelineEntry struct {
	Clock string `json:"clock"` // HH:MM, as written
	Text  string `json:"text"`
}

var timelineLineRe = regexp.MustCompile(`^\[(\d{1,2}:\d{2})\]\s*(.+)$`)

// ParseTimeline splits a detailed summary into its discrete "[HH:MM] text"
// entries. Lines that do not match the format are skipped, so free-prose
// summaries degrade to an empty timeline instead of failing.
func ParseTimeline(detailedSummary string) []TimelineEntry {
	var entries []TimelineEntry
	for _, line := range strings.Split(detailedSummary, "\n") {
		m := timelineLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		entries = append(entries, TimelineEntry{Clock: m[1], Text: strings.TrimSpace(m[2])})
	}
	return entries
}

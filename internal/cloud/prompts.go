package cloud

import (
	"fmt"
	"strings"
)

// TranscriptionPrompt builds the Phase-1 instruction. Times in the reply
// are offsets into the supplied video, not wall-clock times; the pipeline
// remaps them afterwards.
func TranscriptionPrompt(hint TranscribeHint) string {
	var b strings.Builder

	b.WriteString("You are watching a time-lapse screen recording of one person's computer session. ")
	fmt.Fprintf(&b, "The video contains %d frames and is about %d seconds long; each frame is one desktop screenshot, shown in capture order.\n\n", hint.FrameCount, hint.VideoSeconds)

	b.WriteString(`Describe what the person is doing as a sequence of segments. Be specific: name the applications, sites, documents, and activities you can actually see. Merge adjacent moments that belong to the same activity into one segment.

Return ONLY a JSON array, no other text:
[
  {"relativeStartSecond": 0, "relativeEndSecond": 45, "description": "Editing a Go file named segmenter.go in VS Code"},
  {"relativeStartSecond": 45, "relativeEndSecond": 80, "description": "Reading pull request comments on GitHub in Chrome"}
]

Rules:
- relativeStartSecond and relativeEndSecond are offsets into THIS video, starting at 0
- Segments must be in order and must not overlap
- Cover the whole video; do not leave gaps longer than a few seconds
- Descriptions are one or two sentences of plain factual observation`)

	return b.String()
}

// CardPrompt builds the Phase-2 instruction from the remapped transcription
// and the day's existing cards (for continuity and dedup context).
func CardPrompt(transcript string, priorCardsJSON string) string {
	var b strings.Builder

	b.WriteString("You summarize a person's computer activity into activity cards for a personal journal.\n\n")

	b.WriteString("## Observed activity (absolute Unix timestamps)\n")
	b.WriteString(transcript)
	b.WriteString("\n\n")

	if priorCardsJSON != "" && priorCardsJSON != "[]" {
		b.WriteString("## Cards already recorded earlier today (for context, do not repeat them)\n")
		b.WriteString(priorCardsJSON)
		b.WriteString("\n\n")
	}

	b.WriteString(`## Task
Group the observed activity into one or more cards. A card covers one coherent stretch of work, study, or leisure. Short off-task excursions inside a card go into its distractions list instead of becoming their own card.

Return ONLY a JSON array, no other text:
[
  {
    "startTs": 1760000000,
    "endTs": 1760000900,
    "category": "coding",
    "subcategory": "backend",
    "title": "Implemented batch segmentation",
    "summary": "One or two sentences about what was done.",
    "detailedSummary": "[10:02] Edited segmenter.go\n[10:07] Ran tests and fixed a failure\n[10:12] Reviewed the diff",
    "distractions": [
      {"start_time": "10:09", "end_time": "10:10", "title": "Checked a chat message", "summary": ""}
    ],
    "appPrimary": "VS Code",
    "appSecondary": "Terminal",
    "goalAlignment": ""
  }
]

Rules:
- category is one of: coding, writing, learning, browsing, media, social, gaming, work, communication, design, reading, research, meeting, idle, unknown
- startTs and endTs are absolute Unix timestamps taken from the observed activity
- title is short and specific; summary is neutral, no advice
- detailedSummary is a minute-level timeline, one "[HH:MM] text" entry per line
- distractions may be an empty array
- Do not invent activity that is not in the observations`)

	return b.String()
}

// FormatTranscript renders remapped segments for embedding in CardPrompt.
func FormatTranscript(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "- [%s - %s] (ts %d-%d) %s\n",
			s.StartLabel, s.EndLabel, s.StartTs, s.EndTs, s.Description)
	}
	return b.String()
}

// Package journal holds the activity journal domain: captured screenshots,
// analysis batches, and the activity cards derived from them.
package journal

import (
	"crypto/rand"
	"fmt"
	"time"
)

// CapturedImage is one screenshot produced by the capture collaborator.
// BatchID is empty until the image is claimed by a batch; the claim is
// permanent and exclusive.
type CapturedImage struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"file_path"`
	CapturedAt int64     `json:"captured_at"`
	ByteSize   int64     `json:"byte_size"`
	BatchID    string    `json:"batch_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

// Batch is one analysis session spanning a contiguous burst of captured
// images. Its image set is fixed at creation; StartTs/EndTs are the first
// and last claimed timestamps.
type Batch struct {
	ID              string    `json:"id"`
	StartTs         int64     `json:"start_ts"`
	EndTs           int64     `json:"end_ts"`
	Status          string    `json:"status"`
	ScreenshotCount int       `json:"screenshot_count"`
	VideoPath       string    `json:"video_path,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Duration returns the wall-clock span of the batch.
func (b *Batch) Duration() time.Duration {
	return time.Duration(b.EndTs-b.StartTs) * time.Second
}

// ActivityCard is one derived unit of meaning for a slice of a batch.
// Cards are insert-only; re-analysis deletes and recreates them.
type ActivityCard struct {
	ID              string    `json:"id"`
	BatchID         string    `json:"batch_id"`
	StartTime       string    `json:"start_time"`
	EndTime         string    `json:"end_time"`
	StartTs         int64     `json:"start_ts"`
	EndTs           int64     `json:"end_ts"`
	Category        string    `json:"category"`
	Subcategory     string    `json:"subcategory,omitempty"`
	Title           string    `json:"title"`
	Summary         string    `json:"summary,omitempty"`
	DetailedSummary string    `json:"detailed_summary,omitempty"`
	Distractions    string    `json:"distractions,omitempty"`
	AppPrimary      string    `json:"app_primary,omitempty"`
	AppSecondary    string    `json:"app_secondary,omitempty"`
	GoalAlignment   string    `json:"goal_alignment,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Distraction is one off-task excursion inside a card's span. A card's
// Distractions field holds a JSON array of these.
type Distraction struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
}

// Categories accepted from the model; anything else is kept verbatim but
// the prompt steers toward this set.
var Categories = []string{
	"coding", "writing", "learning", "browsing", "media", "social",
	"gaming", "work", "communication", "design", "reading", "research",
	"meeting", "idle", "unknown",
}

func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// DisplayClock formats an epoch-seconds timestamp as a local wall-clock
// label. Card display times always come from here, never from the model,
// which has no notion of the local time zone.
func DisplayClock(ts int64) string {
	return time.Unix(ts, 0).Format("3:04 PM")
}

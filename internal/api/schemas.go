package api

import (
	"encoding/json"
	"time"

	"github.com/retrace/retrace-agent/internal/journal"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State          string `json:"state"`
	ActiveBatchID  string `json:"active_batch_id,omitempty"`
	PendingBatches int    `json:"pending_batches"`
	FailedBatches  int    `json:"failed_batches"`
	LastError      string `json:"last_error,omitempty"`
	Paused         bool   `json:"paused"`
}

type BatchResponse struct {
	ID              string `json:"id"`
	StartTs         int64  `json:"start_ts"`
	EndTs           int64  `json:"end_ts"`
	Status          string `json:"status"`
	ScreenshotCount int    `json:"screenshot_count"`
	HasVideo        bool   `json:"has_video"`
	ErrorMessage    string `json:"error_message,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type BatchesResponse struct {
	Batches []BatchResponse `json:"batches"`
}

type CardResponse struct {
	ID              string                `json:"id"`
	BatchID         string                `json:"batch_id"`
	StartTime       string                `json:"start_time"`
	EndTime         string                `json:"end_time"`
	StartTs         int64                 `json:"start_ts"`
	EndTs           int64                 `json:"end_ts"`
	Category        string                `json:"category"`
	Subcategory     string                `json:"subcategory,omitempty"`
	Title           string                `json:"title"`
	Summary         string                `json:"summary,omitempty"`
	DetailedSummary string                `json:"detailed_summary,omitempty"`
	Distractions    []journal.Distraction `json:"distractions,omitempty"`
	AppPrimary      string                `json:"app_primary,omitempty"`
	AppSecondary    string                `json:"app_secondary,omitempty"`
	GoalAlignment   string                `json:"goal_alignment,omitempty"`
}

type CardsResponse struct {
	Cards []CardResponse `json:"cards"`
}

type ReanalyzeResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

type ExportJournalRequest struct {
	Date      string `json:"date,omitempty"` // YYYY-MM-DD, defaults to today
	OutputDir string `json:"output_dir"`
}

type ExportJournalResponse struct {
	OutputPath string `json:"output_path"`
	CardCount  int    `json:"card_count"`
}

type IngestImageRequest struct {
	FilePath   string `json:"file_path"`
	CapturedAt int64  `json:"captured_at"`
	ByteSize   int64  `json:"byte_size,omitempty"`
}

type IngestImageResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func BatchToResponse(b *journal.Batch) BatchResponse {
	return BatchResponse{
		ID:              b.ID,
		StartTs:         b.StartTs,
		EndTs:           b.EndTs,
		Status:          b.Status,
		ScreenshotCount: b.ScreenshotCount,
		HasVideo:        b.VideoPath != "",
		ErrorMessage:    b.ErrorMessage,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
}

func CardToResponse(c *journal.ActivityCard) CardResponse {
	resp := CardResponse{
		ID:              c.ID,
		BatchID:         c.BatchID,
		StartTime:       c.StartTime,
		EndTime:         c.EndTime,
		StartTs:         c.StartTs,
		EndTs:           c.EndTs,
		Category:        c.Category,
		Subcategory:     c.Subcategory,
		Title:           c.Title,
		Summary:         c.Summary,
		DetailedSummary: c.DetailedSummary,
		AppPrimary:      c.AppPrimary,
		AppSecondary:    c.AppSecondary,
		GoalAlignment:   c.GoalAlignment,
	}
	if c.Distractions != "" {
		// stored as JSON; surface it structured, or not at all
		json.Unmarshal([]byte(c.Distractions), &resp.Distractions)
	}
	return resp
}

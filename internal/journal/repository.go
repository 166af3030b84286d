package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is the narrow persistence surface for batches, cards, and
// captured images. Pipeline logic depends only on this interface so an
// in-memory fake can stand in during tests.
type Repository interface {
	InsertImage(ctx context.Context, img *CapturedImage) error
	HasImagePath(ctx context.Context, path string) (bool, error)
	UnassignedImages(ctx context.Context, limit int) ([]*CapturedImage, error)
	ClaimImages(ctx context.Context, batchID string, imageIDs []string) error
	ImagesByBatch(ctx context.Context, batchID string) ([]*CapturedImage, error)

	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatchesByDay(ctx context.Context, day time.Time) ([]*Batch, error)
	ListBatchesByStatus(ctx context.Context, status string, limit int) ([]*Batch, error)
	UpdateBatchStatus(ctx context.Context, id, status, errorMsg string) error
	SetBatchVideoPath(ctx context.Context, id, videoPath string) error

	SaveCards(ctx context.Context, cards []*ActivityCard) error
	CardsByBatch(ctx context.Context, batchID string) ([]*ActivityCard, error)
	CardsByDay(ctx context.Context, day time.Time) ([]*ActivityCard, error)
	DeleteCardsByBatch(ctx context.Context, batchID string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) InsertImage(ctx context.Context, img *CapturedImage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO captured_images (id, file_path, captured_at, byte_size, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, img.ID, img.FilePath, img.CapturedAt, img.ByteSize, nullString(img.BatchID), img.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) HasImagePath(ctx context.Context, path string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM captured_images WHERE file_path = ?", path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UnassignedImages returns up to limit unclaimed images in oldest-first
// order. Selection prefers the newest images so recent activity is analyzed
// promptly even when a long backlog exists.
func (r *SQLiteRepository) UnassignedImages(ctx context.Context, limit int) ([]*CapturedImage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, file_path, captured_at, byte_size, batch_id, created_at
		FROM captured_images WHERE batch_id IS NULL
		ORDER BY captured_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images, err := r.scanImages(rows)
	if err != nil {
		return nil, err
	}

	// reverse to oldest-first for deterministic segmentation
	for i, j := 0, len(images)-1; i < j; i, j = i+1, j-1 {
		images[i], images[j] = images[j], images[i]
	}
	return images, nil
}

// ClaimImages stamps batchID onto every image in one transaction. It fails
// without claiming anything if any image is missing or already claimed.
func (r *SQLiteRepository) ClaimImages(ctx context.Context, batchID string, imageIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range imageIDs {
		res, err := tx.ExecContext(ctx,
			"UPDATE captured_images SET batch_id = ? WHERE id = ? AND batch_id IS NULL",
			batchID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("image %s is missing or already claimed", id)
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) ImagesByBatch(ctx context.Context, batchID string) ([]*CapturedImage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, file_path, captured_at, byte_size, batch_id, created_at
		FROM captured_images WHERE batch_id = ? ORDER BY captured_at ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanImages(rows)
}

func (r *SQLiteRepository) scanImages(rows *sql.Rows) ([]*CapturedImage, error) {
	var images []*CapturedImage
	for rows.Next() {
		var img CapturedImage
		var batchID sql.NullString
		var createdAt string
		if err := rows.Scan(&img.ID, &img.FilePath, &img.CapturedAt, &img.ByteSize, &batchID, &createdAt); err != nil {
			return nil, err
		}
		img.BatchID = batchID.String
		img.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		images = append(images, &img)
	}
	return images, rows.Err()
}

func (r *SQLiteRepository) CreateBatch(ctx context.Context, b *Batch) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batches (id, start_ts, end_ts, status, screenshot_count, video_path, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.StartTs, b.EndTs, b.Status, b.ScreenshotCount,
		nullString(b.VideoPath), nullString(b.ErrorMessage), b.CreatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, start_ts, end_ts, status, screenshot_count, video_path, error_message, created_at
		FROM batches WHERE id = ?
	`, id)
	return r.scanBatch(row)
}

func (r *SQLiteRepository) scanBatch(row *sql.Row) (*Batch, error) {
	var b Batch
	var videoPath, errMsg sql.NullString
	var createdAt string

	err := row.Scan(&b.ID, &b.StartTs, &b.EndTs, &b.Status, &b.ScreenshotCount, &videoPath, &errMsg, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.VideoPath = videoPath.String
	b.ErrorMessage = errMsg.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &b, nil
}

// ListBatchesByDay returns batches overlapping the given local calendar day.
func (r *SQLiteRepository) ListBatchesByDay(ctx context.Context, day time.Time) ([]*Batch, error) {
	dayStart, dayEnd := dayBounds(day)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, start_ts, end_ts, status, screenshot_count, video_path, error_message, created_at
		FROM batches WHERE start_ts < ? AND end_ts >= ? ORDER BY start_ts ASC
	`, dayEnd, dayStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanBatches(rows)
}

func (r *SQLiteRepository) ListBatchesByStatus(ctx context.Context, status string, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, start_ts, end_ts, status, screenshot_count, video_path, error_message, created_at
		FROM batches WHERE status = ? ORDER BY start_ts ASC LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanBatches(rows)
}

func (r *SQLiteRepository) scanBatches(rows *sql.Rows) ([]*Batch, error) {
	var batches []*Batch
	for rows.Next() {
		var b Batch
		var videoPath, errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&b.ID, &b.StartTs, &b.EndTs, &b.Status, &b.ScreenshotCount, &videoPath, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		b.VideoPath = videoPath.String
		b.ErrorMessage = errMsg.String
		b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

// UpdateBatchStatus is idempotent: applying the same status and message
// repeatedly leaves the row unchanged.
func (r *SQLiteRepository) UpdateBatchStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE batches SET status = ?, error_message = ? WHERE id = ?",
		status, nullString(errorMsg), id)
	return err
}

func (r *SQLiteRepository) SetBatchVideoPath(ctx context.Context, id, videoPath string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE batches SET video_path = ? WHERE id = ?", nullString(videoPath), id)
	return err
}

// SaveCards inserts the full card set in one transaction so readers never
// observe a partially written set for a batch.
func (r *SQLiteRepository) SaveCards(ctx context.Context, cards []*ActivityCard) error {
	if len(cards) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range cards {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO activity_cards
				(id, batch_id, start_time, end_time, start_ts, end_ts, category, subcategory,
				 title, summary, detailed_summary, distractions, app_primary, app_secondary,
				 goal_alignment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.BatchID, c.StartTime, c.EndTime, c.StartTs, c.EndTs, c.Category,
			nullString(c.Subcategory), c.Title, nullString(c.Summary),
			nullString(c.DetailedSummary), nullString(c.Distractions),
			nullString(c.AppPrimary), nullString(c.AppSecondary),
			nullString(c.GoalAlignment), c.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) CardsByBatch(ctx context.Context, batchID string) ([]*ActivityCard, error) {
	rows, err := r.db.QueryContext(ctx, cardSelect+" WHERE batch_id = ? ORDER BY start_ts ASC", batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanCards(rows)
}

func (r *SQLiteRepository) CardsByDay(ctx context.Context, day time.Time) ([]*ActivityCard, error) {
	dayStart, dayEnd := dayBounds(day)
	rows, err := r.db.QueryContext(ctx, cardSelect+" WHERE start_ts >= ? AND start_ts < ? ORDER BY start_ts ASC", dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanCards(rows)
}

func (r *SQLiteRepository) DeleteCardsByBatch(ctx context.Context, batchID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM activity_cards WHERE batch_id = ?", batchID)
	return err
}

const cardSelect = `
	SELECT id, batch_id, start_time, end_time, start_ts, end_ts, category, subcategory,
	       title, summary, detailed_summary, distractions, app_primary, app_secondary,
	       goal_alignment, created_at
	FROM activity_cards`

func (r *SQLiteRepository) scanCards(rows *sql.Rows) ([]*ActivityCard, error) {
	var cards []*ActivityCard
	for rows.Next() {
		var c ActivityCard
		var subcategory, summary, detailed, distractions, appPrimary, appSecondary, goal sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.BatchID, &c.StartTime, &c.EndTime, &c.StartTs, &c.EndTs,
			&c.Category, &subcategory, &c.Title, &summary, &detailed, &distractions,
			&appPrimary, &appSecondary, &goal, &createdAt); err != nil {
			return nil, err
		}
		c.Subcategory = subcategory.String
		c.Summary = summary.String
		c.DetailedSummary = detailed.String
		c.Distractions = distractions.String
		c.AppPrimary = appPrimary.String
		c.AppSecondary = appSecondary.String
		c.GoalAlignment = goal.String
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		cards = append(cards, &c)
	}
	return cards, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// dayBounds returns the epoch-second bounds [start, end) of the local
// calendar day containing t.
func dayBounds(t time.Time) (int64, int64) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start.Unix(), start.Add(24 * time.Hour).Unix()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

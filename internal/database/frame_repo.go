package database

import (
	"context"
	"fmt"

	"github.com/kdimtricp/mediadex/internal/models"
)

// FrameRepo persists video frames. Frames reference their owning video by id;
// the store does not enforce the reference or cascade deletes, frames are
// immutable once written except for their inference fields.
type FrameRepo struct {
	db *DB
}

func NewFrameRepo(db *DB) *FrameRepo {
	return &FrameRepo{db: db}
}

func (r *FrameRepo) Upsert(ctx context.Context, frame *models.VideoFrame) error {
	query := `
		INSERT OR REPLACE INTO video_frames (
			id, video_id, uri, frame_timestamp_ms, date_added,
			extracted_text, label, confidence, model_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.conn.ExecContext(ctx, query,
		frame.ID,
		frame.VideoID,
		frame.FrameURI,
		frame.TimestampMs,
		frame.DateAdded,
		frame.ExtractedText,
		frame.Label,
		frame.Confidence,
		frame.ModelName,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert frame %d: %w", frame.ID, err)
	}
	return nil
}

// ListAll returns all frames, newest first.
func (r *FrameRepo) ListAll(ctx context.Context) ([]models.VideoFrame, error) {
	query := `
		SELECT id, video_id, uri, frame_timestamp_ms, date_added,
		       extracted_text, label, confidence, model_name
		FROM video_frames ORDER BY date_added DESC`

	return r.queryFrames(ctx, query)
}

// ListForVideo returns a video's frames in playback order.
func (r *FrameRepo) ListForVideo(ctx context.Context, videoID int64) ([]models.VideoFrame, error) {
	query := `
		SELECT id, video_id, uri, frame_timestamp_ms, date_added,
		       extracted_text, label, confidence, model_name
		FROM video_frames WHERE video_id = ? ORDER BY frame_timestamp_ms ASC`

	return r.queryFrames(ctx, query, videoID)
}

// Search returns frames whose extracted text contains the given substring.
func (r *FrameRepo) Search(ctx context.Context, text string) ([]models.VideoFrame, error) {
	query := `
		SELECT id, video_id, uri, frame_timestamp_ms, date_added,
		       extracted_text, label, confidence, model_name
		FROM video_frames WHERE extracted_text LIKE ? ORDER BY date_added DESC`

	return r.queryFrames(ctx, query, "%"+text+"%")
}

func (r *FrameRepo) queryFrames(ctx context.Context, query string, args ...any) ([]models.VideoFrame, error) {
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []models.VideoFrame
	for rows.Next() {
		var frame models.VideoFrame
		if err := rows.Scan(
			&frame.ID,
			&frame.VideoID,
			&frame.FrameURI,
			&frame.TimestampMs,
			&frame.DateAdded,
			&frame.ExtractedText,
			&frame.Label,
			&frame.Confidence,
			&frame.ModelName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan frame row: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}

// AllExtractedTexts returns the non-null extracted texts of every frame.
func (r *FrameRepo) AllExtractedTexts(ctx context.Context) ([]string, error) {
	query := `SELECT extracted_text FROM video_frames WHERE extracted_text IS NOT NULL AND extracted_text != ''`

	rows, err := r.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("failed to scan frame text: %w", err)
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

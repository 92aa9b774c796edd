package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kdimtricp/mediadex/internal/models"
)

// MediaRepo persists MediaRecords in the images table. All writes are keyed
// by id with INSERT OR REPLACE semantics: re-scanning the same item updates
// the stored row instead of duplicating it.
type MediaRepo struct {
	db *DB
}

func NewMediaRepo(db *DB) *MediaRepo {
	return &MediaRepo{db: db}
}

func (r *MediaRepo) Upsert(ctx context.Context, rec *models.MediaRecord) error {
	query := `
		INSERT OR REPLACE INTO images (
			id, uri, display_name, date_added, extracted_text, label, confidence, model_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.conn.ExecContext(ctx, query,
		rec.ID,
		rec.SourceURI,
		rec.DisplayName,
		rec.DateAdded,
		rec.ExtractedText,
		rec.Label,
		rec.Confidence,
		rec.ModelName,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert image %d: %w", rec.ID, err)
	}
	return nil
}

func (r *MediaRepo) GetByID(ctx context.Context, id int64) (*models.MediaRecord, error) {
	query := `
		SELECT id, uri, display_name, date_added, extracted_text, label, confidence, model_name
		FROM images WHERE id = ?`

	rec := &models.MediaRecord{}
	err := r.db.conn.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.SourceURI,
		&rec.DisplayName,
		&rec.DateAdded,
		&rec.ExtractedText,
		&rec.Label,
		&rec.Confidence,
		&rec.ModelName,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image %d: %w", id, err)
	}
	return rec, nil
}

// List returns all records ordered by date added, newest first.
func (r *MediaRepo) List(ctx context.Context) ([]models.MediaRecord, error) {
	query := `
		SELECT id, uri, display_name, date_added, extracted_text, label, confidence, model_name
		FROM images ORDER BY date_added DESC`

	return r.queryRecords(ctx, query)
}

// ListUnprocessed returns records that have not been through the inference
// adapter yet; this is the worklist the orchestrator derives on start.
func (r *MediaRepo) ListUnprocessed(ctx context.Context) ([]models.MediaRecord, error) {
	query := `
		SELECT id, uri, display_name, date_added, extracted_text, label, confidence, model_name
		FROM images WHERE extracted_text IS NULL ORDER BY date_added DESC`

	return r.queryRecords(ctx, query)
}

func (r *MediaRepo) queryRecords(ctx context.Context, query string, args ...any) ([]models.MediaRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var records []models.MediaRecord
	for rows.Next() {
		var rec models.MediaRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.SourceURI,
			&rec.DisplayName,
			&rec.DateAdded,
			&rec.ExtractedText,
			&rec.Label,
			&rec.Confidence,
			&rec.ModelName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateText sets only the extracted text of a record, leaving the
// classification fields untouched.
func (r *MediaRepo) UpdateText(ctx context.Context, id int64, text string) error {
	query := `UPDATE images SET extracted_text = ? WHERE id = ?`
	if _, err := r.db.conn.ExecContext(ctx, query, text, id); err != nil {
		return fmt.Errorf("failed to update image text %d: %w", id, err)
	}
	return nil
}

// UpdateResult writes a full inference result in place by id.
func (r *MediaRepo) UpdateResult(ctx context.Context, id int64, text string, label *string, confidence *float64, modelName *string) error {
	query := `
		UPDATE images SET extracted_text = ?, label = ?, confidence = ?, model_name = ?
		WHERE id = ?`
	if _, err := r.db.conn.ExecContext(ctx, query, text, label, confidence, modelName, id); err != nil {
		return fmt.Errorf("failed to update image result %d: %w", id, err)
	}
	return nil
}

// AllExtractedTexts returns the non-null extracted texts of every record,
// the input corpus for tag aggregation.
func (r *MediaRepo) AllExtractedTexts(ctx context.Context) ([]string, error) {
	query := `SELECT extracted_text FROM images WHERE extracted_text IS NOT NULL AND extracted_text != ''`

	rows, err := r.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query extracted texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("failed to scan extracted text: %w", err)
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

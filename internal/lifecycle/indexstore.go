package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIndexStore 记录索引行的关系存储，
// 表 record_lifecycle.records，所有写入为单行 upsert
type PostgresIndexStore struct {
	db *sql.DB
}

func NewPostgresIndexStore(db *sql.DB) *PostgresIndexStore {
	return &PostgresIndexStore{db: db}
}

func (s *PostgresIndexStore) UpsertIndexRow(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO record_lifecycle.records
			(record_id, title, record_type, status, path, author, archived, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (record_id) DO UPDATE
		SET title = EXCLUDED.title, record_type = EXCLUDED.record_type,
		    status = EXCLUDED.status, path = EXCLUDED.path,
		    author = EXCLUDED.author, archived = EXCLUDED.archived,
		    updated_at_ms = EXCLUDED.updated_at_ms
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Title, rec.Type, rec.Status, rec.Path, rec.Author,
		rec.Archived, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert index row %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresIndexStore) GetIndexRow(ctx context.Context, id string) (*Record, bool, error) {
	query := `
		SELECT record_id, title, record_type, status, path, author, archived, updated_at_ms
		FROM record_lifecycle.records
		WHERE record_id = $1
	`
	var rec Record
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Title, &rec.Type, &rec.Status, &rec.Path, &rec.Author,
		&rec.Archived, &rec.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query index row %s: %w", id, err)
	}
	return &rec, true, nil
}

// DeleteIndexRow 行不存在时不算错误
func (s *PostgresIndexStore) DeleteIndexRow(ctx context.Context, id string) error {
	query := `DELETE FROM record_lifecycle.records WHERE record_id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete index row %s: %w", id, err)
	}
	return nil
}

func (s *PostgresIndexStore) SetArchived(ctx context.Context, id string, archived bool) error {
	status := RecordStatusPublished
	if archived {
		status = RecordStatusArchived
	}
	query := `
		UPDATE record_lifecycle.records
		SET archived = $2, status = $3, updated_at_ms = $4
		WHERE record_id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, archived, status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set archived %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set archived rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set archived %s: record not indexed", id)
	}
	return nil
}

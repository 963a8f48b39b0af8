package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"invoice-dispatcher/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateInvoice inserts a pending invoice row and returns it. Used by the
// seeding endpoint and the dev simulation loop.
func (s *Store) CreateInvoice(ctx context.Context, region string) (models.Invoice, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoices (status, region, attempts, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		RETURNING id
	`, models.StatusPending, region, now).Scan(&id)
	if err != nil {
		return models.Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	return models.Invoice{
		ID:        id,
		Status:    models.StatusPending,
		Region:    region,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetInvoice fetches an invoice by id.
func (s *Store) GetInvoice(ctx context.Context, id int64) (models.Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, region, attempts, last_error, created_at, updated_at, processed_at
		FROM invoices WHERE id = $1
	`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Invoice{}, fmt.Errorf("invoice %d not found: %w", id, err)
	}
	return inv, err
}

// PendingInvoices returns up to limit invoices awaiting dispatch, oldest first.
func (s *Store) PendingInvoices(ctx context.Context, limit int) ([]models.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, region, attempts, last_error, created_at, updated_at, processed_at
		FROM invoices WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending invoices: %w", err)
	}
	defer rows.Close()

	var out []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending invoices: %w", err)
	}
	return out, nil
}

// MarkProcessed transitions an invoice to completed and stamps processed_at.
func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = $2, last_error = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("mark invoice %d processed: %w", id, err)
	}
	return nil
}

// MarkDispatchFailed records a failed publish attempt. The row stays pending so
// the next scheduler pass picks it up again.
func (s *Store) MarkDispatchFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark invoice %d dispatch failed: %w", id, err)
	}
	return nil
}

// MarkDeadLettered flags an invoice as terminally failed.
func (s *Store) MarkDeadLettered(ctx context.Context, id int64, reason string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = $2, last_error = $3, attempts = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLettered, reason, attempts)
	if err != nil {
		return fmt.Errorf("mark invoice %d dead lettered: %w", id, err)
	}
	return nil
}

// InsertDeadLetter persists a dead-letter record. Redelivered stream entries can
// race here, so a duplicate of the same original message is treated as already
// written and returns nil.
func (s *Store) InsertDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error {
	payload, err := json.Marshal(rec.Item)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (invoice_id, failure_reason, failure_type, attempts, original_stream, original_id, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.Item.ID, rec.FailureReason, rec.FailureType, rec.Attempts, rec.OriginalStream, rec.OriginalID, payload, rec.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil
		}
		return fmt.Errorf("insert dead letter for invoice %d: %w", rec.Item.ID, err)
	}
	return nil
}

// CountPending returns the number of invoices awaiting dispatch.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM invoices WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending invoices: %w", err)
	}
	return n, nil
}

func scanInvoice(row pgx.Row) (models.Invoice, error) {
	var inv models.Invoice
	var lastErr pgtype.Text
	var processedAt pgtype.Timestamptz
	if err := row.Scan(&inv.ID, &inv.Status, &inv.Region, &inv.Attempts, &lastErr, &inv.CreatedAt, &inv.UpdatedAt, &processedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Invoice{}, err
		}
		return models.Invoice{}, fmt.Errorf("scan invoice: %w", err)
	}
	if lastErr.Valid {
		inv.LastError = &lastErr.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		inv.ProcessedAt = &t
	}
	return inv, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/Runplane/internal/domain"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// nullIfEmpty returns nil for empty strings (for nullable UUID and TEXT columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// pgTextArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Useful to ensure JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// limitArg turns a non-positive limit into NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// jsonArg marshals v for a JSONB column. A nil map is stored as NULL when
// nullable, otherwise as {}.
func jsonArg(v map[string]any, nullable bool) ([]byte, error) {
	if v == nil {
		if nullable {
			return nil, nil
		}
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

// jsonMap unmarshals a JSONB column into a map. NULL yields nil.
func jsonMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return m, nil
}

// checkID rejects ids that cannot name a row. Every primary key is a UUID,
// so a malformed id is reported as not found instead of a driver error.
func checkID(op, entity, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.NewStoreError(op, domain.StoreNotFound, fmt.Errorf("%s %q", entity, id))
	}
	return nil
}

// isRetriable reports whether a failed transaction may simply run again:
// serialization conflicts, deadlocks and connection failures that happened
// before anything was sent.
func isRetriable(err error) bool {
	// Nothing reached the server, so the transaction can run again.
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "57P03", "53300": // cannot connect now, too many connections: rejected before any statement ran
		return true
	default:
		return false
	}
}

// mapErr translates driver errors into domain.StoreError kinds. Errors that
// already carry a domain meaning pass through unchanged.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StoreError
	if errors.As(err, &se) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewStoreError(op, domain.StoreNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization, deadlock
			return domain.NewStoreError(op, domain.StoreConflict, err)
		case "23503", "22P02": // foreign_key_violation, invalid uuid text
			return domain.NewStoreError(op, domain.StoreNotFound, err)
		case "57P01", "57P02", "57P03", "53300": // admin shutdown, crash, cannot connect, too many connections
			return domain.NewStoreError(op, domain.StoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return domain.NewStoreError(op, domain.StoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns a not_found StoreError.
func execExpectOne(op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewStoreError(op, domain.StoreNotFound, nil)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/clickstream-io/loader/internal/config"
	"github.com/clickstream-io/loader/internal/ingestion"
)

// Sentinel errors for batch upsert operations.
var (
	// ErrUpsertFailed is returned when a batch transaction fails; nothing
	// from the batch persisted.
	ErrUpsertFailed = errors.New("clickstream batch upsert failed")

	// ClickstreamStore implements ingestion.Store (transactional upsert engine).
	_ ingestion.Store = (*ClickstreamStore)(nil)
)

// ClickstreamStore implements ingestion.Store with a PostgreSQL backend.
//
// Each batch is applied inside one transaction as a fixed sequence of stages
// ordered by foreign-key dependency: users, categories and brands first,
// then products (which reference categories and brands), then events and
// purchases (which reference users and products). The entity graph never
// changes shape at runtime, so the order is an explicit sequence rather
// than a general topological solver.
//
// All writes are idempotent: insert-if-absent for users, brands, events and
// purchases; coalesce-merge for categories and products. Replaying a
// previously committed batch is a no-op, which is what turns the queue's
// at-least-once delivery into effectively-once materialization.
type ClickstreamStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewClickstreamStore creates a PostgreSQL-backed upsert engine.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewClickstreamStore(conn *Connection) (*ClickstreamStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ClickstreamStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck implements ingestion.Store.
func (s *ClickstreamStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// UpsertBatch implements ingestion.Store.
//
// The stages run in dependency order inside a single transaction:
//
//  1. users: dedup ids, insert-if-absent
//  2. categories: dedup ids, last non-null label in batch, coalesce upsert
//  3. brands: dedup non-empty names, insert-if-absent, fresh id read-back
//  4. products: one row per product id, coalesce upsert on category/brand
//  5. events/purchases: partition on the reserved kind, conflict on row id
//     is a silent no-op
//  6. commit
//
// If any stage fails the transaction rolls back and the whole batch is
// reported failed; retry happens only through message redelivery because
// the caller never advances the checkpoint for a failed batch.
func (s *ClickstreamStore) UpsertBatch(ctx context.Context, rows []ingestion.EventRow) error {
	if len(rows) == 0 {
		return ingestion.ErrEmptyBatch
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrUpsertFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if err := s.upsertUsers(ctx, tx, rows); err != nil {
		return s.fail(err)
	}

	if err := s.upsertCategories(ctx, tx, rows); err != nil {
		return s.fail(err)
	}

	brandIDs, err := s.upsertBrands(ctx, tx, rows)
	if err != nil {
		return s.fail(err)
	}

	if err := s.upsertProducts(ctx, tx, rows, brandIDs); err != nil {
		return s.fail(err)
	}

	events, purchases := ingestion.PartitionEvents(rows)

	if err := s.insertEvents(ctx, tx, events); err != nil {
		return s.fail(err)
	}

	if err := s.insertPurchases(ctx, tx, purchases); err != nil {
		return s.fail(err)
	}

	if err := tx.Commit(); err != nil {
		return s.fail(fmt.Errorf("commit: %w", err))
	}

	s.logger.Debug("batch upserted",
		slog.Int("rows", len(rows)),
		slog.Int("events", len(events)),
		slog.Int("purchases", len(purchases)))

	return nil
}

// fail wraps a stage error and flags lost connections, which the operator
// cares about more than a constraint violation.
func (s *ClickstreamStore) fail(err error) error {
	s.logger.Warn("batch transaction rolled back",
		slog.String("error", err.Error()),
		slog.Bool("connection_lost", isConnectionError(err)))

	return fmt.Errorf("%w: %w", ErrUpsertFailed, err)
}

// upsertUsers inserts the batch's distinct user ids, skipping existing rows.
func (s *ClickstreamStore) upsertUsers(ctx context.Context, tx *sql.Tx, rows []ingestion.EventRow) error {
	userIDs := ingestion.CollectUserIDs(rows)

	query := `
		INSERT INTO users (user_id)
		SELECT unnest($1::bigint[])
		ON CONFLICT (user_id) DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, query, pq.Array(userIDs)); err != nil {
		return fmt.Errorf("failed to upsert users: %w", err)
	}

	s.logger.Debug("upserted users", slog.Int("count", len(userIDs)))

	return nil
}

// upsertCategories inserts or updates the batch's categories. The label is
// coalesced against the existing row so a null incoming label never
// regresses a stored one.
func (s *ClickstreamStore) upsertCategories(ctx context.Context, tx *sql.Tx, rows []ingestion.EventRow) error {
	categories := ingestion.CollectCategories(rows)

	ids := make([]string, len(categories))
	codes := make([]sql.NullString, len(categories))

	for i, c := range categories {
		ids[i] = c.ID

		if c.Code != nil {
			codes[i] = sql.NullString{String: *c.Code, Valid: true}
		}
	}

	query := `
		INSERT INTO categories (category_id, category_code)
		SELECT * FROM unnest($1::text[], $2::text[])
		ON CONFLICT (category_id) DO UPDATE
		SET
			category_code = COALESCE(EXCLUDED.category_code, categories.category_code),
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(ctx, query, pq.Array(ids), pq.Array(codes)); err != nil {
		return fmt.Errorf("failed to upsert categories: %w", err)
	}

	s.logger.Debug("upserted categories", slog.Int("count", len(categories)))

	return nil
}

// upsertBrands inserts the batch's distinct brand names and resolves every
// name to its generated id.
//
// Resolution is deliberately a fresh read after the insert attempt rather
// than the insert's own return value: a concurrent loader instance may have
// inserted the row first, in which case our insert is a no-op but the
// read-back still yields the winning id.
func (s *ClickstreamStore) upsertBrands(
	ctx context.Context,
	tx *sql.Tx,
	rows []ingestion.EventRow,
) (map[string]int64, error) {
	names := ingestion.CollectBrandNames(rows)
	if len(names) == 0 {
		return map[string]int64{}, nil
	}

	insert := `
		INSERT INTO brands (brand_name)
		SELECT unnest($1::text[])
		ON CONFLICT (brand_name) DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, insert, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("failed to upsert brands: %w", err)
	}

	readBack := `
		SELECT brand_name, brand_id
		FROM brands
		WHERE brand_name = ANY($1::text[])
	`

	brandRows, err := tx.QueryContext(ctx, readBack, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve brand ids: %w", err)
	}

	defer func() {
		_ = brandRows.Close()
	}()

	brandIDs := make(map[string]int64, len(names))

	for brandRows.Next() {
		var (
			name string
			id   int64
		)

		if err := brandRows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan brand row: %w", err)
		}

		brandIDs[name] = id
	}

	if err := brandRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read brand rows: %w", err)
	}

	s.logger.Debug("resolved brand ids", slog.Int("count", len(brandIDs)))

	return brandIDs, nil
}

// upsertProducts inserts or updates one row per distinct product id.
// Category and brand references are coalesced so an incoming null never
// overwrites an existing value.
func (s *ClickstreamStore) upsertProducts(
	ctx context.Context,
	tx *sql.Tx,
	rows []ingestion.EventRow,
	brandIDs map[string]int64,
) error {
	products := ingestion.BuildProducts(rows, brandIDs)

	ids := make([]int64, len(products))
	categoryIDs := make([]string, len(products))
	productBrands := make([]sql.NullInt64, len(products))

	for i, p := range products {
		ids[i] = p.ID
		categoryIDs[i] = p.CategoryID

		if p.BrandID != nil {
			productBrands[i] = sql.NullInt64{Int64: *p.BrandID, Valid: true}
		}
	}

	query := `
		INSERT INTO products (product_id, category_id, brand_id)
		SELECT * FROM unnest($1::bigint[], $2::text[], $3::integer[])
		ON CONFLICT (product_id) DO UPDATE
		SET
			category_id = COALESCE(EXCLUDED.category_id, products.category_id),
			brand_id = COALESCE(EXCLUDED.brand_id, products.brand_id),
			updated_at = NOW()
	`

	_, err := tx.ExecContext(ctx, query, pq.Array(ids), pq.Array(categoryIDs), pq.Array(productBrands))
	if err != nil {
		return fmt.Errorf("failed to upsert products: %w", err)
	}

	s.logger.Debug("upserted products", slog.Int("count", len(products)))

	return nil
}

// insertEvents writes the generic event fact rows. A conflicting row id
// means the event was written by an earlier delivery of the same batch and
// is skipped silently.
func (s *ClickstreamStore) insertEvents(ctx context.Context, tx *sql.Tx, events []ingestion.EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO events (id, event_time, event_type, product_id, price, user_id, user_session)
		SELECT * FROM unnest(
			$1::uuid[], $2::timestamptz[], $3::text[], $4::bigint[],
			$5::numeric[], $6::bigint[], $7::uuid[]
		)
		ON CONFLICT (id) DO NOTHING
	`

	ids, times, productIDs, prices, userIDs, sessions := factColumns(events)

	types := make([]string, len(events))
	for i, row := range events {
		types[i] = row.EventType
	}

	_, err := tx.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(times), pq.Array(types), pq.Array(productIDs),
		pq.Array(prices), pq.Array(userIDs), pq.Array(sessions))
	if err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}

	s.logger.Debug("inserted events", slog.Int("count", len(events)))

	return nil
}

// insertPurchases writes the purchase fact rows, same replay semantics as
// insertEvents.
func (s *ClickstreamStore) insertPurchases(ctx context.Context, tx *sql.Tx, purchases []ingestion.EventRow) error {
	if len(purchases) == 0 {
		return nil
	}

	query := `
		INSERT INTO purchases (id, event_time, product_id, price, user_id, user_session)
		SELECT * FROM unnest(
			$1::uuid[], $2::timestamptz[], $3::bigint[],
			$4::numeric[], $5::bigint[], $6::uuid[]
		)
		ON CONFLICT (id) DO NOTHING
	`

	ids, times, productIDs, prices, userIDs, sessions := factColumns(purchases)

	_, err := tx.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(times), pq.Array(productIDs),
		pq.Array(prices), pq.Array(userIDs), pq.Array(sessions))
	if err != nil {
		return fmt.Errorf("failed to insert purchases: %w", err)
	}

	s.logger.Debug("inserted purchases", slog.Int("count", len(purchases)))

	return nil
}

// factColumns transposes fact rows into the parallel arrays the unnest
// inserts expect. Timestamps, prices and UUIDs travel as text and are cast
// server-side, keeping the driver encoding to plain string/int64 arrays.
func factColumns(rows []ingestion.EventRow) (ids, times []string, productIDs []int64, prices []string, userIDs []int64, sessions []string) {
	ids = make([]string, len(rows))
	times = make([]string, len(rows))
	productIDs = make([]int64, len(rows))
	prices = make([]string, len(rows))
	userIDs = make([]int64, len(rows))
	sessions = make([]string, len(rows))

	for i, row := range rows {
		ids[i] = row.RowID.String()
		times[i] = row.EventTime.UTC().Format(time.RFC3339Nano)
		productIDs[i] = row.ProductID
		prices[i] = row.Price.String()
		userIDs[i] = row.UserID
		sessions[i] = row.UserSession.String()
	}

	return ids, times, productIDs, prices, userIDs, sessions
}

// isConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Class 08 = Connection Exception (08000, 08003, 08006, ...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

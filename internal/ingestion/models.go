// Package ingestion provides the clickstream domain model and the batch
// ingestion pipeline: parsing raw queue payloads into typed event rows,
// accumulating them into batches, and driving dependency-ordered upserts
// with checkpoint-after-commit semantics.
package ingestion

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKindPurchase is the reserved event type that routes a row into the
// purchases fact table instead of the generic events table.
const EventKindPurchase = "purchase"

// Sentinel errors for batch processing.
var (
	// ErrEmptyBatch indicates an upsert was attempted with no typed rows.
	ErrEmptyBatch = errors.New("batch contains no rows")

	// ErrBatchFailed indicates the transactional upsert for a batch failed
	// and no entity writes from it persisted.
	ErrBatchFailed = errors.New("batch upsert failed")
)

type (
	// EventRow is one parsed, validated clickstream record - Domain Model.
	//
	// An EventRow is immutable once produced by the parser. RowID is the
	// natural idempotency key: the store treats a conflicting row id as an
	// already-written event and skips it silently, which makes replaying a
	// previously committed batch safe.
	EventRow struct {
		// EventTime is when the event occurred at the source (not arrival time).
		EventTime time.Time

		// EventType is a free-form kind ("view", "cart", ...). The single
		// reserved value is EventKindPurchase.
		EventType string

		// ProductID identifies the product dimension row.
		ProductID int64

		// CategoryID identifies the category dimension row.
		CategoryID string

		// CategoryCode is the optional human-readable category label.
		// Nil means the source omitted it (or sent an empty string);
		// a nil label never overwrites a stored non-null one.
		CategoryCode *string

		// Brand is the brand name. Empty string means unknown; unknown
		// brands produce a NULL brand reference on the product row.
		Brand string

		// Price is the unit price as a fixed-point decimal.
		Price decimal.Decimal

		// UserID identifies the user dimension row.
		UserID int64

		// UserSession groups events of one browsing session.
		UserSession uuid.UUID

		// RowID is globally unique per source event (idempotency key).
		RowID uuid.UUID
	}

	// BatchResult reports the outcome of pushing one batch through the
	// upsert engine. Exactly one of Written/Failed accounts for each typed
	// row; ParseFailures counts records that never became rows.
	BatchResult struct {
		// Written is the number of typed rows durably committed.
		Written int

		// Failed is the number of typed rows lost to a transaction failure.
		Failed int

		// ParseFailures is the number of raw records rejected by the parser.
		ParseFailures int
	}
)

// IsPurchase reports whether the row belongs in the purchases fact table.
func (r *EventRow) IsPurchase() bool {
	return r.EventType == EventKindPurchase
}

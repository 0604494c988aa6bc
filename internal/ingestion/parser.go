package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Parse errors. These never escape ParseRecords; they surface only through
// the per-record failure count and debug logs.
var (
	// ErrMissingField indicates a required field was absent or empty.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField indicates a field failed type coercion.
	ErrInvalidField = errors.New("invalid field value")
)

// rawEvent is the wire shape of one queue payload. Timestamp, price and the
// two UUID fields arrive as text and are coerced explicitly; everything else
// is taken as decoded.
type rawEvent struct {
	EventTime    string      `json:"event_time"`
	EventType    string      `json:"event_type"`
	ProductID    *int64      `json:"product_id"`
	CategoryID   string      `json:"category_id"`
	CategoryCode *string     `json:"category_code"`
	Brand        string      `json:"brand"`
	Price        json.Number `json:"price"`
	UserID       *int64      `json:"user_id"`
	UserSession  string      `json:"user_session"`
	RowID        string      `json:"row_id"`
}

// ParseRecords converts raw queue payloads into typed event rows.
//
// The result is partitioned: well-formed records become rows, malformed ones
// are counted and excluded. A malformed record never aborts the batch and is
// never retried individually; parse failures only reduce the batch, they do
// not fail it.
func ParseRecords(logger *slog.Logger, records [][]byte) ([]EventRow, int) {
	rows := make([]EventRow, 0, len(records))
	failures := 0

	for _, record := range records {
		row, err := parseRecord(record)
		if err != nil {
			failures++

			logger.Debug("failed to parse record", slog.String("error", err.Error()))

			continue
		}

		rows = append(rows, row)
	}

	return rows, failures
}

// parseRecord decodes and validates a single payload. Any missing field or
// coercion error fails the whole record; a partial row is never produced.
func parseRecord(payload []byte) (EventRow, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return EventRow{}, fmt.Errorf("%w: %w", ErrInvalidField, err)
	}

	if err := raw.validate(); err != nil {
		return EventRow{}, err
	}

	eventTime, err := time.Parse(time.RFC3339, raw.EventTime)
	if err != nil {
		return EventRow{}, fmt.Errorf("%w: event_time: %w", ErrInvalidField, err)
	}

	price, err := decimal.NewFromString(raw.Price.String())
	if err != nil {
		return EventRow{}, fmt.Errorf("%w: price: %w", ErrInvalidField, err)
	}

	session, err := uuid.Parse(raw.UserSession)
	if err != nil {
		return EventRow{}, fmt.Errorf("%w: user_session: %w", ErrInvalidField, err)
	}

	rowID, err := uuid.Parse(raw.RowID)
	if err != nil {
		return EventRow{}, fmt.Errorf("%w: row_id: %w", ErrInvalidField, err)
	}

	// Empty category labels are normalized to absent so they can never
	// overwrite a stored label via the coalesce upsert.
	categoryCode := raw.CategoryCode
	if categoryCode != nil && *categoryCode == "" {
		categoryCode = nil
	}

	return EventRow{
		EventTime:    eventTime,
		EventType:    raw.EventType,
		ProductID:    *raw.ProductID,
		CategoryID:   raw.CategoryID,
		CategoryCode: categoryCode,
		Brand:        raw.Brand,
		Price:        price,
		UserID:       *raw.UserID,
		UserSession:  session,
		RowID:        rowID,
	}, nil
}

// validate checks presence of required fields. Brand is allowed to be empty
// (unknown brand); category_code is optional. The numeric ids are pointers
// so an absent key is rejected while an explicit zero id passes: zero is a
// representable id, not a missing one.
func (r *rawEvent) validate() error {
	switch {
	case r.EventTime == "":
		return fmt.Errorf("%w: event_time", ErrMissingField)
	case r.EventType == "":
		return fmt.Errorf("%w: event_type", ErrMissingField)
	case r.ProductID == nil:
		return fmt.Errorf("%w: product_id", ErrMissingField)
	case r.CategoryID == "":
		return fmt.Errorf("%w: category_id", ErrMissingField)
	case r.Price == "":
		return fmt.Errorf("%w: price", ErrMissingField)
	case r.UserID == nil:
		return fmt.Errorf("%w: user_id", ErrMissingField)
	case r.UserSession == "":
		return fmt.Errorf("%w: user_session", ErrMissingField)
	case r.RowID == "":
		return fmt.Errorf("%w: row_id", ErrMissingField)
	}

	return nil
}

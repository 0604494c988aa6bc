package ingestion

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// validRawEvent returns a well-formed payload as a mutable map so tests can
// drop or corrupt individual fields.
func validRawEvent() map[string]any {
	return map[string]any{
		"event_time":    "2020-11-01T09:15:00Z",
		"event_type":    "view",
		"product_id":    int64(1004856),
		"category_id":   "2053013555631882655",
		"category_code": "electronics.smartphone",
		"brand":         "samsung",
		"price":         130.76,
		"user_id":       int64(520088904),
		"user_session":  "4d3b30da-a5e4-49df-b1a8-ba5943f1dd33",
		"row_id":        "9f0c1895-7a6b-4a8c-9f9e-0d5c8f5a1b2c",
	}
}

func marshalEvent(t *testing.T, event map[string]any) []byte {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	return payload
}

func TestParseRecordValid(t *testing.T) {
	rows, failures := ParseRecords(discardLogger(), [][]byte{marshalEvent(t, validRawEvent())})

	require.Len(t, rows, 1)
	assert.Zero(t, failures)

	row := rows[0]
	assert.Equal(t, "view", row.EventType)
	assert.Equal(t, int64(1004856), row.ProductID)
	assert.Equal(t, "2053013555631882655", row.CategoryID)
	require.NotNil(t, row.CategoryCode)
	assert.Equal(t, "electronics.smartphone", *row.CategoryCode)
	assert.Equal(t, "samsung", row.Brand)
	assert.True(t, row.Price.Equal(decimal.RequireFromString("130.76")))
	assert.Equal(t, int64(520088904), row.UserID)
	assert.Equal(t, uuid.MustParse("4d3b30da-a5e4-49df-b1a8-ba5943f1dd33"), row.UserSession)
	assert.Equal(t, uuid.MustParse("9f0c1895-7a6b-4a8c-9f9e-0d5c8f5a1b2c"), row.RowID)
	assert.Equal(t, 2020, row.EventTime.Year())
	assert.False(t, row.IsPurchase())
}

func TestParseRecordPurchase(t *testing.T) {
	event := validRawEvent()
	event["event_type"] = "purchase"

	rows, failures := ParseRecords(discardLogger(), [][]byte{marshalEvent(t, event)})

	require.Len(t, rows, 1)
	assert.Zero(t, failures)
	assert.True(t, rows[0].IsPurchase())
}

func TestParseRecordCategoryCodeNormalization(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(map[string]any)
		wantCode *string
	}{
		{
			name:     "absent label becomes nil",
			mutate:   func(e map[string]any) { delete(e, "category_code") },
			wantCode: nil,
		},
		{
			name:     "null label becomes nil",
			mutate:   func(e map[string]any) { e["category_code"] = nil },
			wantCode: nil,
		},
		{
			name:     "empty label becomes nil",
			mutate:   func(e map[string]any) { e["category_code"] = "" },
			wantCode: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validRawEvent()
			tt.mutate(event)

			rows, failures := ParseRecords(discardLogger(), [][]byte{marshalEvent(t, event)})

			require.Len(t, rows, 1)
			assert.Zero(t, failures)
			assert.Equal(t, tt.wantCode, rows[0].CategoryCode)
		})
	}
}

func TestParseRecordEmptyBrandAllowed(t *testing.T) {
	event := validRawEvent()
	event["brand"] = ""

	rows, failures := ParseRecords(discardLogger(), [][]byte{marshalEvent(t, event)})

	require.Len(t, rows, 1)
	assert.Zero(t, failures)
	assert.Empty(t, rows[0].Brand)
}

func TestParseRecordAcceptsZeroIDs(t *testing.T) {
	// Zero is a representable id; only an absent (or null) key is missing.
	event := validRawEvent()
	event["product_id"] = int64(0)
	event["user_id"] = int64(0)

	rows, failures := ParseRecords(discardLogger(), [][]byte{marshalEvent(t, event)})

	require.Len(t, rows, 1)
	assert.Zero(t, failures)
	assert.Zero(t, rows[0].ProductID)
	assert.Zero(t, rows[0].UserID)
}

func TestParseRecordRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing event_time", func(e map[string]any) { delete(e, "event_time") }},
		{"missing event_type", func(e map[string]any) { delete(e, "event_type") }},
		{"missing product_id", func(e map[string]any) { delete(e, "product_id") }},
		{"null product_id", func(e map[string]any) { e["product_id"] = nil }},
		{"null user_id", func(e map[string]any) { e["user_id"] = nil }},
		{"missing category_id", func(e map[string]any) { delete(e, "category_id") }},
		{"missing price", func(e map[string]any) { delete(e, "price") }},
		{"missing user_id", func(e map[string]any) { delete(e, "user_id") }},
		{"missing user_session", func(e map[string]any) { delete(e, "user_session") }},
		{"missing row_id", func(e map[string]any) { delete(e, "row_id") }},
		{"bad event_time", func(e map[string]any) { e["event_time"] = "yesterday" }},
		{"bad price", func(e map[string]any) { e["price"] = "free" }},
		{"bad user_session", func(e map[string]any) { e["user_session"] = "not-a-uuid" }},
		{"bad row_id", func(e map[string]any) { e["row_id"] = "not-a-uuid" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validRawEvent()
			tt.mutate(event)

			rows, failures := ParseRecords(discardLogger(), [][]byte{marshalEvent(t, event)})

			assert.Empty(t, rows)
			assert.Equal(t, 1, failures)
		})
	}
}

func TestParseRecordsMalformedRecordDoesNotAbortBatch(t *testing.T) {
	records := make([][]byte, 0, 10)

	for i := 0; i < 9; i++ {
		records = append(records, marshalEvent(t, validRawEvent()))
	}

	records = append(records, []byte("{not json"))

	rows, failures := ParseRecords(discardLogger(), records)

	assert.Len(t, rows, 9)
	assert.Equal(t, 1, failures)
}

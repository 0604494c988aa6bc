package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string {
	return &s
}

func TestCollectUserIDs(t *testing.T) {
	rows := []EventRow{
		{UserID: 7},
		{UserID: 3},
		{UserID: 7},
		{UserID: 9},
		{UserID: 3},
	}

	assert.Equal(t, []int64{7, 3, 9}, CollectUserIDs(rows))
}

func TestCollectCategoriesLastLabelWins(t *testing.T) {
	// Four rows for the same category: no label, L1, no label, L2.
	// The carried label must be L2: later labels win, absent ones never
	// displace a label already seen.
	rows := []EventRow{
		{CategoryID: "c1", CategoryCode: nil},
		{CategoryID: "c1", CategoryCode: strPtr("L1")},
		{CategoryID: "c1", CategoryCode: nil},
		{CategoryID: "c1", CategoryCode: strPtr("L2")},
	}

	updates := CollectCategories(rows)

	require.Len(t, updates, 1)
	assert.Equal(t, "c1", updates[0].ID)
	require.NotNil(t, updates[0].Code)
	assert.Equal(t, "L2", *updates[0].Code)
}

func TestCollectCategoriesNilNeverDisplacesLabel(t *testing.T) {
	rows := []EventRow{
		{CategoryID: "c1", CategoryCode: strPtr("L1")},
		{CategoryID: "c1", CategoryCode: nil},
	}

	updates := CollectCategories(rows)

	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Code)
	assert.Equal(t, "L1", *updates[0].Code)
}

func TestCollectCategoriesDistinctIDs(t *testing.T) {
	rows := []EventRow{
		{CategoryID: "c1", CategoryCode: strPtr("L1")},
		{CategoryID: "c2", CategoryCode: nil},
		{CategoryID: "c1", CategoryCode: nil},
	}

	updates := CollectCategories(rows)

	require.Len(t, updates, 2)
	assert.Equal(t, "c1", updates[0].ID)
	assert.Equal(t, "c2", updates[1].ID)
	assert.Nil(t, updates[1].Code)
}

func TestCollectBrandNames(t *testing.T) {
	rows := []EventRow{
		{Brand: "samsung"},
		{Brand: ""},
		{Brand: "apple"},
		{Brand: "samsung"},
	}

	assert.Equal(t, []string{"samsung", "apple"}, CollectBrandNames(rows))
}

func TestCollectBrandNamesAllUnknown(t *testing.T) {
	rows := []EventRow{{Brand: ""}, {Brand: ""}}

	assert.Empty(t, CollectBrandNames(rows))
}

func TestBuildProductsLastRowWins(t *testing.T) {
	brandIDs := map[string]int64{"samsung": 1, "apple": 2}

	rows := []EventRow{
		{ProductID: 100, CategoryID: "c1", Brand: "samsung"},
		{ProductID: 200, CategoryID: "c2", Brand: "apple"},
		{ProductID: 100, CategoryID: "c3", Brand: "apple"},
	}

	updates := BuildProducts(rows, brandIDs)

	require.Len(t, updates, 2)

	assert.Equal(t, int64(100), updates[0].ID)
	assert.Equal(t, "c3", updates[0].CategoryID)
	require.NotNil(t, updates[0].BrandID)
	assert.Equal(t, int64(2), *updates[0].BrandID)

	assert.Equal(t, int64(200), updates[1].ID)
	assert.Equal(t, "c2", updates[1].CategoryID)
	require.NotNil(t, updates[1].BrandID)
	assert.Equal(t, int64(2), *updates[1].BrandID)
}

func TestBuildProductsUnknownBrandYieldsNilBrandID(t *testing.T) {
	tests := []struct {
		name  string
		brand string
	}{
		{"empty brand", ""},
		{"unresolved brand", "nokia"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := []EventRow{{ProductID: 100, CategoryID: "c1", Brand: tt.brand}}

			updates := BuildProducts(rows, map[string]int64{"samsung": 1})

			require.Len(t, updates, 1)
			assert.Nil(t, updates[0].BrandID)
		})
	}
}

func TestPartitionEvents(t *testing.T) {
	rows := []EventRow{
		{ProductID: 1, EventType: "view"},
		{ProductID: 2, EventType: "purchase"},
		{ProductID: 3, EventType: "cart"},
		{ProductID: 4, EventType: "purchase"},
	}

	events, purchases := PartitionEvents(rows)

	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].ProductID)
	assert.Equal(t, int64(3), events[1].ProductID)

	require.Len(t, purchases, 2)
	assert.Equal(t, int64(2), purchases[0].ProductID)
	assert.Equal(t, int64(4), purchases[1].ProductID)
}

func TestPartitionEventsNoPurchases(t *testing.T) {
	rows := []EventRow{{EventType: "view"}, {EventType: "cart"}}

	events, purchases := PartitionEvents(rows)

	assert.Len(t, events, 2)
	assert.Empty(t, purchases)
}

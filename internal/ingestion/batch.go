package ingestion

// Batch derivation helpers for the upsert engine.
//
// The six entity sets written by a batch are derived here as pure functions
// so the dedup/merge rules stay testable without a database. All state is
// scoped to the batch passed in; nothing carries over between batches.

type (
	// CategoryUpdate is the per-batch merge result for one category id.
	// Code is nil when no row in the batch supplied a label; the store
	// coalesces nil against the existing row rather than overwriting it.
	CategoryUpdate struct {
		ID   string
		Code *string
	}

	// ProductUpdate is the per-batch merge result for one product id.
	// BrandID is nil when the brand was empty or could not be resolved.
	ProductUpdate struct {
		ID         int64
		CategoryID string
		BrandID    *int64
	}
)

// CollectUserIDs returns the distinct user ids in the batch, in first-seen order.
func CollectUserIDs(rows []EventRow) []int64 {
	seen := make(map[int64]struct{}, len(rows))
	ids := make([]int64, 0, len(rows))

	for _, row := range rows {
		if _, ok := seen[row.UserID]; ok {
			continue
		}

		seen[row.UserID] = struct{}{}
		ids = append(ids, row.UserID)
	}

	return ids
}

// CollectCategories returns one update per distinct category id. The carried
// label is the last non-null label seen in batch order: a later label wins
// over an earlier one, but a row without a label never displaces a label a
// previous row supplied.
func CollectCategories(rows []EventRow) []CategoryUpdate {
	index := make(map[string]int, len(rows))
	updates := make([]CategoryUpdate, 0, len(rows))

	for _, row := range rows {
		i, ok := index[row.CategoryID]
		if !ok {
			index[row.CategoryID] = len(updates)
			updates = append(updates, CategoryUpdate{ID: row.CategoryID, Code: row.CategoryCode})

			continue
		}

		if row.CategoryCode != nil {
			updates[i].Code = row.CategoryCode
		}
	}

	return updates
}

// CollectBrandNames returns the distinct non-empty brand names in the batch,
// in first-seen order. Empty brand means unknown and produces no brand row.
func CollectBrandNames(rows []EventRow) []string {
	seen := make(map[string]struct{}, len(rows))
	names := make([]string, 0, len(rows))

	for _, row := range rows {
		if row.Brand == "" {
			continue
		}

		if _, ok := seen[row.Brand]; ok {
			continue
		}

		seen[row.Brand] = struct{}{}
		names = append(names, row.Brand)
	}

	return names
}

// BuildProducts returns one update per distinct product id using the last-seen
// category id in batch order and the brand id resolved through brandIDs.
// Unknown or unresolved brands yield a nil BrandID, which the store coalesces
// against the existing product row instead of overwriting it.
func BuildProducts(rows []EventRow, brandIDs map[string]int64) []ProductUpdate {
	index := make(map[int64]int, len(rows))
	updates := make([]ProductUpdate, 0, len(rows))

	for _, row := range rows {
		var brandID *int64

		if row.Brand != "" {
			if id, ok := brandIDs[row.Brand]; ok {
				resolved := id
				brandID = &resolved
			}
		}

		update := ProductUpdate{ID: row.ProductID, CategoryID: row.CategoryID, BrandID: brandID}

		if i, ok := index[row.ProductID]; ok {
			updates[i] = update

			continue
		}

		index[row.ProductID] = len(updates)
		updates = append(updates, update)
	}

	return updates
}

// PartitionEvents splits the batch into purchase rows (event type equals the
// reserved value) and all other rows, preserving batch order.
func PartitionEvents(rows []EventRow) (events, purchases []EventRow) {
	for _, row := range rows {
		if row.IsPurchase() {
			purchases = append(purchases, row)
		} else {
			events = append(events, row)
		}
	}

	return events, purchases
}

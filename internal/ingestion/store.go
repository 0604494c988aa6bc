// Store and Source interfaces the ingestion loop depends on.
//
// The domain package defines what it needs from its collaborators; concrete
// implementations live in internal/storage (PostgreSQL) and internal/stream
// (Kafka). This keeps the loop testable with in-memory fakes.
package ingestion

import "context"

type (
	// Store is the transactional upsert engine for one batch of typed rows.
	//
	// Implementations must apply the six entity sets inside a single
	// transaction in foreign-key dependency order (users/categories/brands,
	// then products, then events/purchases) with idempotent semantics:
	// insert-if-absent for users, brands, events and purchases, and
	// coalesce-merge for categories and products. On any failure the whole
	// transaction rolls back; no partial entity writes may persist.
	Store interface {
		// UpsertBatch writes all entity rows derived from the batch and
		// commits. A non-nil error means nothing from the batch persisted.
		UpsertBatch(ctx context.Context, rows []EventRow) error

		// HealthCheck verifies the store is reachable and ready.
		HealthCheck(ctx context.Context) error
	}

	// Source is the message-queue side of the pipeline.
	//
	// Fetch returns zero or more raw payloads within a bounded wait; the
	// consumed stream position is only advanced by Commit, which the loop
	// calls strictly after the store reports a successful batch commit.
	Source interface {
		// Fetch pulls raw payloads accumulated since the last call. It
		// returns an empty slice when the read timeout elapses with no
		// traffic; that is not an error.
		Fetch(ctx context.Context) ([][]byte, error)

		// Commit advances the consumption checkpoint past every payload
		// returned by Fetch so far. Never called speculatively.
		Commit(ctx context.Context) error
	}
)

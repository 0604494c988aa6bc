package main

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, name := range names {
		fsys[name] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}

	return fsys
}

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	// The real embedded set must always pass its own validation.
	embedded := NewEmbeddedMigration(nil)

	require.NoError(t, embedded.Validate())

	files, err := embedded.List()
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	assert.Positive(t, embedded.MaxSequence())
}

func TestValidateAcceptsContiguousPairs(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS(
		"001_create_dimension_tables.up.sql",
		"001_create_dimension_tables.down.sql",
		"002_create_fact_tables.up.sql",
		"002_create_fact_tables.down.sql",
	))

	require.NoError(t, embedded.Validate())
	assert.Equal(t, 2, embedded.MaxSequence())
}

func TestValidateRejectsMissingPair(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS(
		"001_create_dimension_tables.up.sql",
	))

	err := embedded.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing its down migration")
}

func TestValidateRejectsSequenceGap(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS(
		"001_a.up.sql",
		"001_a.down.sql",
		"003_c.up.sql",
		"003_c.down.sql",
	))

	err := embedded.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestValidateRejectsBadFilename(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS(
		"001_a.up.sql",
		"001_a.down.sql",
		"create_tables.sql",
	))

	err := embedded.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migration filename")
}

func TestValidateRejectsEmptySet(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS())

	err := embedded.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedded migrations")
}

func TestParseMigrationFilename(t *testing.T) {
	info, err := parseMigrationFilename("002_create_fact_tables.down.sql")

	require.NoError(t, err)
	assert.Equal(t, 2, info.Sequence)
	assert.Equal(t, "create_fact_tables", info.Name)
	assert.Equal(t, "down", info.Direction)
	assert.Equal(t, "002_create_fact_tables.down.sql", info.Filename)
}

func TestParseMigrationFilenameRejectsNonStandard(t *testing.T) {
	tests := []string{
		"1_short_sequence.up.sql",
		"001_no_direction.sql",
		"001_bad-chars.up.sql",
		"notes.txt",
	}

	for _, filename := range tests {
		t.Run(filename, func(t *testing.T) {
			_, err := parseMigrationFilename(filename)

			assert.Error(t, err)
		})
	}
}

func TestListIgnoresNonMigrationFiles(t *testing.T) {
	embedded := NewEmbeddedMigration(migrationFS(
		"002_b.up.sql",
		"001_a.up.sql",
		"README.txt",
	))

	files, err := embedded.List()

	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.up.sql", "002_b.up.sql"}, files)
}

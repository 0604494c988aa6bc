package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"embed"
)

// EmbeddedMigration wraps the migration files compiled into the migrator
// binary and validates them before any state-changing operation. Embedding
// keeps deployment zero-config: the binary carries its own schema.
type EmbeddedMigration struct {
	fs fs.FS
}

// MigrationInfo contains parsed information about one migration file.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename standard: 001_migration_name.up.sql / 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewEmbeddedMigration creates an EmbeddedMigration with an injectable
// filesystem. Pass nil to use the migrations embedded in this binary.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{fs: filesystem}
}

// FS returns the embedded migration filesystem for the migrate source driver.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns all embedded migration files that conform to the naming
// standard, sorted by filename. Non-conforming files are ignored here and
// rejected by Validate.
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded migration set: every file must match the
// naming standard, every up migration must have a down pair, and sequence
// numbers must start at 1 and be contiguous.
func (e *EmbeddedMigration) Validate() error {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	pairs := make(map[int]map[string]string) // sequence -> direction -> filename

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}

		info, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return err
		}

		if pairs[info.Sequence] == nil {
			pairs[info.Sequence] = make(map[string]string)
		}

		if existing, ok := pairs[info.Sequence][info.Direction]; ok {
			return fmt.Errorf("duplicate %s migration for sequence %03d: %s and %s",
				info.Direction, info.Sequence, existing, info.Filename)
		}

		pairs[info.Sequence][info.Direction] = info.Filename
	}

	if len(pairs) == 0 {
		return fmt.Errorf("no embedded migrations found")
	}

	sequences := make([]int, 0, len(pairs))
	for seq := range pairs {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("migration sequence gap: expected %03d, found %03d", i+1, seq)
		}

		directions := pairs[seq]
		if _, ok := directions["up"]; !ok {
			return fmt.Errorf("sequence %03d is missing its up migration", seq)
		}

		if _, ok := directions["down"]; !ok {
			return fmt.Errorf("sequence %03d is missing its down migration", seq)
		}
	}

	return nil
}

// MaxSequence returns the highest migration sequence in the embedded set,
// or 0 when none can be read.
func (e *EmbeddedMigration) MaxSequence() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if info, err := parseMigrationFilename(filename); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// parseMigrationFilename extracts sequence, name and direction from a
// migration filename, rejecting anything outside the naming standard.
func parseMigrationFilename(filename string) (MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return MigrationInfo{}, fmt.Errorf(
			"invalid migration filename %q: expected NNN_name.(up|down).sql", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("invalid migration sequence in %q: %w", filename, err)
	}

	return MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

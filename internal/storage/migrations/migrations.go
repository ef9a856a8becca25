package migrations

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	"consolevm/pkg/logger"
)

var (
	// ErrNewerSchema means the database was written by a newer build. Opening
	// it would risk snapshots this build cannot read.
	ErrNewerSchema = errors.New("migrations: database schema is newer than this build")
	// ErrModified means an applied script was edited afterwards.
	ErrModified = errors.New("migrations: applied script was modified")
)

// Script is one embedded schema step.
type Script struct {
	Version  int
	Name     string
	Checksum string
	sql      string
}

// Scripts returns the embedded scripts in version order. Every file in
// scripts/ must be named <version>_<name>.sql with a unique version.
func Scripts() ([]Script, error) {
	return load(FS)
}

func load(fsys fs.FS) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, "scripts")
	if err != nil {
		return nil, err
	}

	var scripts []Script
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("migrations: %s and %s share version %d", other, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, "scripts/"+entry.Name())
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		_, rest, _ := strings.Cut(entry.Name(), "_")
		scripts = append(scripts, Script{
			Version:  version,
			Name:     strings.TrimSuffix(rest, ".sql"),
			Checksum: hex.EncodeToString(sum[:]),
			sql:      string(content),
		})
	}
	slices.SortFunc(scripts, func(a, b Script) int { return a.Version - b.Version })
	return scripts, nil
}

func parseVersion(filename string) (int, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("migrations: %s is not named <version>_<name>.sql", filename)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migrations: %s has no positive version", filename)
	}
	return v, nil
}

// Run brings db up to the newest embedded schema. It refuses databases
// written by a newer build and scripts edited after they were applied.
func Run(db *sql.DB) error {
	scripts, err := Scripts()
	if err != nil {
		return err
	}
	return run(db, scripts)
}

func run(db *sql.DB, scripts []Script) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := appliedChecksums(db)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	latest := 0
	if n := len(scripts); n > 0 {
		latest = scripts[n-1].Version
	}
	for v := range applied {
		if v > latest {
			return fmt.Errorf("%w: version %d, this build knows %d", ErrNewerSchema, v, latest)
		}
	}

	log := logger.Component("storage")
	for _, s := range scripts {
		if sum, ok := applied[s.Version]; ok {
			if sum != s.Checksum {
				return fmt.Errorf("%w: %d_%s", ErrModified, s.Version, s.Name)
			}
			continue
		}
		if err := apply(db, s); err != nil {
			return fmt.Errorf("apply %d_%s: %w", s.Version, s.Name, err)
		}
		log.Info().Int("version", s.Version).Str("name", s.Name).Msg("applied schema migration")
	}
	return nil
}

func appliedChecksums(db *sql.DB) (map[int]string, error) {
	rows, err := db.Query("SELECT version, checksum FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

func apply(db *sql.DB, s Script) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(s.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO _migrations (version, name, checksum) VALUES (?, ?, ?)",
		s.Version, s.Name, s.Checksum,
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// Version returns the highest applied schema version, 0 for a new database.
func Version(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM _migrations").Scan(&version)
	return version, err
}

// Pending lists the embedded versions not applied to db yet, ascending.
func Pending(db *sql.DB) ([]int, error) {
	applied, err := appliedChecksums(db)
	if err != nil {
		return nil, err
	}
	scripts, err := Scripts()
	if err != nil {
		return nil, err
	}
	var pending []int
	for _, s := range scripts {
		if _, ok := applied[s.Version]; !ok {
			pending = append(pending, s.Version)
		}
	}
	return pending, nil
}

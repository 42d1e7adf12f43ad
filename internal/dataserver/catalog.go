package dataserver

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog records what the data server stores, keyed by identifier.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens the sqlite catalog at path and creates its table.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			identifier TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			digest BLOB NOT NULL,
			updated_mics INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("dataserver: migrate catalog: %w", err)
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put inserts or replaces e.
func (c *Catalog) Put(e CatalogEntry) error {
	_, err := c.db.Exec(`
		INSERT INTO entries (identifier, size, digest, updated_mics) VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			size = excluded.size,
			digest = excluded.digest,
			updated_mics = excluded.updated_mics`,
		e.Identifier, e.Size, e.Digest[:], e.Updated.UnixMicro())
	return err
}

// Get returns the entry for id; ok is false when none is recorded.
func (c *Catalog) Get(id string) (CatalogEntry, bool, error) {
	row := c.db.QueryRow("SELECT identifier, size, digest, updated_mics FROM entries WHERE identifier = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogEntry{}, false, nil
	}
	if err != nil {
		return CatalogEntry{}, false, err
	}
	return e, true, nil
}

func (c *Catalog) Delete(id string) error {
	_, err := c.db.Exec("DELETE FROM entries WHERE identifier = ?", id)
	return err
}

// List returns entries whose identifier starts with prefix, ordered by
// identifier.
func (c *Catalog) List(prefix string) ([]CatalogEntry, error) {
	rows, err := c.db.Query(`
		SELECT identifier, size, digest, updated_mics FROM entries
		WHERE substr(identifier, 1, length(?)) = ?
		ORDER BY identifier`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (CatalogEntry, error) {
	var e CatalogEntry
	var digest []byte
	var mics int64
	if err := s.Scan(&e.Identifier, &e.Size, &digest, &mics); err != nil {
		return CatalogEntry{}, err
	}
	if len(digest) != len(e.Digest) {
		return CatalogEntry{}, fmt.Errorf("dataserver: catalog digest for %q is %d bytes", e.Identifier, len(digest))
	}
	copy(e.Digest[:], digest)
	e.Updated = time.UnixMicro(mics).UTC()
	return e, nil
}

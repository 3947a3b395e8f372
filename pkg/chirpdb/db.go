// Package chirpdb implements optional sqlite3-backed persistence for a
// node's remote directory: last-seen timestamp and serial high-water-mark
// (the node's GC sweep stores the next serial it would assign, one past the
// last dequeued) per (proto, address, port), surviving process restarts for
// diagnostics.
//
// This is metadata only — it is never consulted to replay or recover queued
// messages, which remain memory-only and are dropped on restart by design.
package chirpdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores a node's remote directory in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) a DB at the given sqlite3 path and
// migrates it to the latest known schema version.
func Open(name string) (*DB, error) {
	// WAL plus a larger busy timeout keeps writes from a node's gc/reconnect
	// loops from contending with diagnostic reads.
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}

	db := &DB{x}
	_, required, err := db.Version()
	if err != nil {
		x.Close()
		return nil, fmt.Errorf("get version: %w", err)
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		x.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// RemoteRecord is a directory entry for one remote endpoint.
type RemoteRecord struct {
	Proto     uint8
	Addr      netip.Addr
	Port      int32
	LastSeen  time.Time
	SerialHWM uint32
}

// Touch records that a remote was active at the given time, and bumps its
// serial high-water-mark if serial is newer than what's stored.
func (db *DB) Touch(proto uint8, addr netip.Addr, port int32, at time.Time, serial uint32) error {
	_, err := db.x.Exec(`
		INSERT INTO remotes (proto, addr, port, last_seen, serial_hwm)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (proto, addr, port) DO UPDATE SET
			last_seen  = excluded.last_seen,
			serial_hwm = MAX(serial_hwm, excluded.serial_hwm)
	`, proto, addr.String(), port, at.Unix(), serial)
	if err != nil {
		return fmt.Errorf("touch remote: %w", err)
	}
	return nil
}

// Get returns the stored record for a remote, or (nil, nil) if it has never
// been seen.
func (db *DB) Get(proto uint8, addr netip.Addr, port int32) (*RemoteRecord, error) {
	var row struct {
		Proto     uint8  `db:"proto"`
		Addr      string `db:"addr"`
		Port      int32  `db:"port"`
		LastSeen  int64  `db:"last_seen"`
		SerialHWM uint32 `db:"serial_hwm"`
	}
	err := db.x.Get(&row, `SELECT * FROM remotes WHERE proto = ? AND addr = ? AND port = ?`, proto, addr.String(), port)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	a, err := netip.ParseAddr(row.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse stored address %q: %w", row.Addr, err)
	}
	return &RemoteRecord{
		Proto:     row.Proto,
		Addr:      a,
		Port:      row.Port,
		LastSeen:  time.Unix(row.LastSeen, 0),
		SerialHWM: row.SerialHWM,
	}, nil
}

// All returns every stored remote record, for diagnostics listings.
func (db *DB) All() ([]RemoteRecord, error) {
	var rows []struct {
		Proto     uint8  `db:"proto"`
		Addr      string `db:"addr"`
		Port      int32  `db:"port"`
		LastSeen  int64  `db:"last_seen"`
		SerialHWM uint32 `db:"serial_hwm"`
	}
	if err := db.x.Select(&rows, `SELECT * FROM remotes ORDER BY last_seen DESC`); err != nil {
		return nil, err
	}

	out := make([]RemoteRecord, 0, len(rows))
	for _, row := range rows {
		a, err := netip.ParseAddr(row.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse stored address %q: %w", row.Addr, err)
		}
		out = append(out, RemoteRecord{
			Proto:     row.Proto,
			Addr:      a,
			Port:      row.Port,
			LastSeen:  time.Unix(row.LastSeen, 0),
			SerialHWM: row.SerialHWM,
		})
	}
	return out, nil
}

// Prune deletes remote records whose last_seen is older than before.
func (db *DB) Prune(before time.Time) (int64, error) {
	res, err := db.x.Exec(`DELETE FROM remotes WHERE last_seen < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

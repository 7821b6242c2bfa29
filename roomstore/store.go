// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomstore provides durable SQLite-backed state for managed
// rooms, creation history, and rate-limit blocks.
//
// The store is the single source of truth surviving restarts: no other
// component holds an authoritative copy, and every decision re-reads
// from here. Writes set fields wholesale and commit before returning,
// so concurrent callers get last-writer-wins semantics without
// cross-operation locking. There is no read-modify-write transaction;
// each operation is independently atomic but not composably atomic.
package roomstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/anteroom-dev/anteroom/lib/clock"
	"github.com/anteroom-dev/anteroom/lib/ref"
	"github.com/anteroom-dev/anteroom/lib/sqlitepool"
)

// Room is the persisted state of one managed room. A room's identity
// is its channel ID. PanelChannel and PanelMessage are zero when no
// panel is attached; PanelChannel may equal the room's own channel.
// Preset is reserved for a future room-template feature and is carried
// but never interpreted.
type Room struct {
	Channel      ref.RoomID
	Owner        ref.UserID
	PanelChannel ref.RoomID
	PanelMessage ref.EventID
	Locked       bool
	Capacity     int
	CreatedAt    time.Time
	Preset       string
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. ":memory:" (PoolSize 1) is
	// supported for tests.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock provides timestamps for creation events.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the durable room state store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// schemaVersion is the current PRAGMA user_version. The schema is
// upgraded once at Open, never patched per-access.
const schemaVersion = 1

// schemaV1 creates the full v1 layout. The allowed_members table is
// reserved for a per-room allow-list; it is written by no code path
// yet and read by none.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS rooms (
	channel_id       TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	panel_channel_id TEXT,
	panel_message_id TEXT,
	is_locked        INTEGER NOT NULL DEFAULT 0,
	capacity         INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	preset_id        TEXT
);

CREATE TABLE IF NOT EXISTS allowed_members (
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	UNIQUE (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS creations (
	user_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_creations_user_time ON creations (user_id, created_at);

CREATE TABLE IF NOT EXISTS blocks (
	user_id       TEXT PRIMARY KEY,
	blocked_until INTEGER NOT NULL
);
`

// Open opens (creating if needed) the store and upgrades the schema to
// the current version. The caller must Close the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("roomstore: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, logger: logger}
	if err := store.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// migrate brings the database to schemaVersion. Runs exactly once per
// process, at Open.
func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	var version int
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("roomstore: reading schema version: %w", err)
	}

	if version >= schemaVersion {
		return nil
	}

	if err := sqlitex.ExecuteScript(conn, schemaV1, nil); err != nil {
		return fmt.Errorf("roomstore: applying schema v1: %w", err)
	}
	statement := fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)
	if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
		return fmt.Errorf("roomstore: setting schema version: %w", err)
	}
	s.logger.Info("schema upgraded", "from", version, "to", schemaVersion)
	return nil
}

// --- Rooms ---

// PutRoom inserts or wholesale-replaces a room record.
func (s *Store) PutRoom(ctx context.Context, room Room) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO rooms
		(channel_id, owner_id, panel_channel_id, panel_message_id, is_locked, capacity, created_at, preset_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			room.Channel.String(),
			room.Owner.String(),
			nullableID(room.PanelChannel.String()),
			nullableID(room.PanelMessage.String()),
			boolToInt(room.Locked),
			room.Capacity,
			room.CreatedAt.UTC().Unix(),
			nullableID(room.Preset),
		},
	})
	if err != nil {
		return fmt.Errorf("roomstore: put room %s: %w", room.Channel, err)
	}
	return nil
}

// GetRoom returns the room with the given channel ID, or nil if no
// record exists.
func (s *Store) GetRoom(ctx context.Context, channel ref.RoomID) (*Room, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var room *Room
	err = sqlitex.Execute(conn, `SELECT channel_id, owner_id, panel_channel_id, panel_message_id,
		is_locked, capacity, created_at, preset_id FROM rooms WHERE channel_id = ?`, &sqlitex.ExecOptions{
		Args: []any{channel.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, err := scanRoom(stmt)
			if err != nil {
				return err
			}
			room = &scanned
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: get room %s: %w", channel, err)
	}
	return room, nil
}

// SetPanel records the panel handles for a room. Zero values clear
// the respective handle.
func (s *Store) SetPanel(ctx context.Context, channel, panelChannel ref.RoomID, panelMessage ref.EventID) error {
	return s.updateRoom(ctx, channel, "panel_channel_id = ?, panel_message_id = ?",
		nullableID(panelChannel.String()), nullableID(panelMessage.String()))
}

// SetOwner records a new owner for a room.
func (s *Store) SetOwner(ctx context.Context, channel ref.RoomID, owner ref.UserID) error {
	return s.updateRoom(ctx, channel, "owner_id = ?", owner.String())
}

// SetLocked records the locked flag for a room.
func (s *Store) SetLocked(ctx context.Context, channel ref.RoomID, locked bool) error {
	return s.updateRoom(ctx, channel, "is_locked = ?", boolToInt(locked))
}

// SetCapacity records the capacity limit for a room.
func (s *Store) SetCapacity(ctx context.Context, channel ref.RoomID, capacity int) error {
	return s.updateRoom(ctx, channel, "capacity = ?", capacity)
}

func (s *Store) updateRoom(ctx context.Context, channel ref.RoomID, assignment string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	query := "UPDATE rooms SET " + assignment + " WHERE channel_id = ?"
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: append(args, channel.String()),
	})
	if err != nil {
		return fmt.Errorf("roomstore: update room %s: %w", channel, err)
	}
	return nil
}

// DeleteRoom removes a room record and its reserved allow-list rows.
// Deleting an absent room is a no-op.
func (s *Store) DeleteRoom(ctx context.Context, channel ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("roomstore: delete room %s: begin: %w", channel, err)
	}
	defer endTransaction(&err)

	for _, query := range []string{
		"DELETE FROM rooms WHERE channel_id = ?",
		"DELETE FROM allowed_members WHERE channel_id = ?",
	} {
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{channel.String()},
		}); err != nil {
			return fmt.Errorf("roomstore: delete room %s: %w", channel, err)
		}
	}
	return nil
}

// ListRooms returns all persisted rooms in unspecified order.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rooms []Room
	err = sqlitex.Execute(conn, `SELECT channel_id, owner_id, panel_channel_id, panel_message_id,
		is_locked, capacity, created_at, preset_id FROM rooms`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			room, err := scanRoom(stmt)
			if err != nil {
				return err
			}
			rooms = append(rooms, room)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: list rooms: %w", err)
	}
	return rooms, nil
}

// --- Creation history ---

// RecordCreation appends a creation event for the user at the current
// time.
func (s *Store) RecordCreation(ctx context.Context, user ref.UserID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO creations (user_id, created_at) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{user.String(), s.clock.Now().UTC().Unix()},
	})
	if err != nil {
		return fmt.Errorf("roomstore: record creation for %s: %w", user, err)
	}
	return nil
}

// CountCreationsSince counts the user's creation events with timestamp
// at or after the cutoff.
func (s *Store) CountCreationsSince(ctx context.Context, user ref.UserID, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM creations WHERE user_id = ? AND created_at >= ?", &sqlitex.ExecOptions{
		Args: []any{user.String(), cutoff.UTC().Unix()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("roomstore: count creations for %s: %w", user, err)
	}
	return count, nil
}

// PurgeCreationsBefore deletes creation events older than the cutoff,
// returning the number removed. This is the retention path; creation
// history is never deleted any other way.
func (s *Store) PurgeCreationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM creations WHERE created_at < ?", &sqlitex.ExecOptions{
		Args: []any{cutoff.UTC().Unix()},
	})
	if err != nil {
		return 0, fmt.Errorf("roomstore: purge creations: %w", err)
	}
	return conn.Changes(), nil
}

// --- Blocks ---

// SetBlock records that the user is denied creation until the given
// time, overwriting any previous block.
func (s *Store) SetBlock(ctx context.Context, user ref.UserID, until time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT OR REPLACE INTO blocks (user_id, blocked_until) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{user.String(), until.UTC().Unix()},
	})
	if err != nil {
		return fmt.Errorf("roomstore: set block for %s: %w", user, err)
	}
	return nil
}

// BlockUntil returns the user's block expiry, or ok=false if no block
// is recorded. Expired blocks are returned as-is; callers purge them
// via ClearExpiredBlocks.
func (s *Store) BlockUntil(ctx context.Context, user ref.UserID) (until time.Time, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "SELECT blocked_until FROM blocks WHERE user_id = ?", &sqlitex.ExecOptions{
		Args: []any{user.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			until = time.Unix(stmt.ColumnInt64(0), 0).UTC()
			ok = true
			return nil
		},
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("roomstore: get block for %s: %w", user, err)
	}
	return until, ok, nil
}

// ClearExpiredBlocks removes blocks whose expiry is before now.
func (s *Store) ClearExpiredBlocks(ctx context.Context, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM blocks WHERE blocked_until < ?", &sqlitex.ExecOptions{
		Args: []any{now.UTC().Unix()},
	})
	if err != nil {
		return fmt.Errorf("roomstore: clear expired blocks: %w", err)
	}
	return nil
}

// --- Scanning helpers ---

func scanRoom(stmt *sqlite.Stmt) (Room, error) {
	var room Room

	// Columns: channel_id(0), owner_id(1), panel_channel_id(2),
	// panel_message_id(3), is_locked(4), capacity(5), created_at(6),
	// preset_id(7)

	channel, err := ref.ParseRoomID(stmt.ColumnText(0))
	if err != nil {
		return room, fmt.Errorf("corrupt channel_id: %w", err)
	}
	room.Channel = channel

	owner, err := ref.ParseUserID(stmt.ColumnText(1))
	if err != nil {
		return room, fmt.Errorf("corrupt owner_id: %w", err)
	}
	room.Owner = owner

	if !stmt.ColumnIsNull(2) {
		panelChannel, err := ref.ParseRoomID(stmt.ColumnText(2))
		if err != nil {
			return room, fmt.Errorf("corrupt panel_channel_id: %w", err)
		}
		room.PanelChannel = panelChannel
	}
	if !stmt.ColumnIsNull(3) {
		panelMessage, err := ref.ParseEventID(stmt.ColumnText(3))
		if err != nil {
			return room, fmt.Errorf("corrupt panel_message_id: %w", err)
		}
		room.PanelMessage = panelMessage
	}

	room.Locked = stmt.ColumnInt(4) != 0
	room.Capacity = stmt.ColumnInt(5)
	room.CreatedAt = time.Unix(stmt.ColumnInt64(6), 0).UTC()
	if !stmt.ColumnIsNull(7) {
		room.Preset = stmt.ColumnText(7)
	}
	return room, nil
}

// nullableID maps the empty string to SQL NULL.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

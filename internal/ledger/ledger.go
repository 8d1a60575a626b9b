// Package ledger provides an append-only history of sync events. It
// subscribes to the event bus and records every apply, publish, stale drop
// and connection transition, so convergence can be audited after the fact.
package ledger

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomsyncd/internal/eventbus"
)

// Entry represents a single recorded event
type Entry struct {
	ID         int64
	EventType  string
	Timestamp  time.Time
	Role       string
	RoomID     string
	Mode       string
	Brightness uint8
	Ver        uint32
	Detail     string
}

// Ledger provides append-only event logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Attach subscribes the ledger to every event the bus carries. Recording
// happens on the bus worker pool, off the engines' run loops.
func (l *Ledger) Attach(bus *eventbus.Bus) {
	bus.SubscribeAll(func(event eventbus.Event) {
		if err := l.Record(event); err != nil {
			log.Error().Err(err).Str("event_type", string(event.Type)).Msg("Ledger append failed")
		}
	})
}

// Record appends one event to the ledger
func (l *Ledger) Record(event eventbus.Event) error {
	detail := event.Detail
	if event.Type == eventbus.EventConnection {
		if event.Up {
			detail = "up"
		} else if detail == "" {
			detail = "down"
		}
	}

	_, err := l.db.Exec(`
		INSERT INTO sync_ledger (event_type, timestamp, role, room_id, mode, brightness, ver, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(event.Type), event.Time.UTC().Unix(), event.Role, event.RoomID,
		event.State.Mode, event.State.Brightness, event.State.Ver, detail)
	return err
}

// Recent returns the newest entries, across all event types
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, role, room_id, mode, brightness, ver, detail
		FROM sync_ledger
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByType returns entries filtered by event type
func (l *Ledger) GetByType(eventType eventbus.EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, role, room_id, mode, brightness, ver, detail
		FROM sync_ledger
		WHERE event_type = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM sync_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var role, roomID, mode, detail sql.NullString
		var brightness, ver sql.NullInt64
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventType, &timestamp, &role, &roomID, &mode, &brightness, &ver, &detail,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if role.Valid {
			entry.Role = role.String
		}
		if roomID.Valid {
			entry.RoomID = roomID.String
		}
		if mode.Valid {
			entry.Mode = mode.String
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		if brightness.Valid {
			entry.Brightness = uint8(brightness.Int64)
		}
		if ver.Valid {
			entry.Ver = uint32(ver.Int64)
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

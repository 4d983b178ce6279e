package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/volley-project/volley/internal/events"
)

// Session is one journaled peer session. Connect and disconnect are
// recorded independently, so either side may be missing.
type Session struct {
	ID              string     `json:"id"`
	Peer            string     `json:"peer"`
	PlayerID        uint32     `json:"player_id"`
	Level           string     `json:"level"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	RTT             float64    `json:"rtt_ms"`
	LossPercent     float64    `json:"loss_percent"`
	PacketsSent     uint64     `json:"packets_sent"`
	PacketsReceived uint64     `json:"packets_received"`
	PacketsLost     uint64     `json:"packets_lost"`
}

// LevelLoad is one entry of the level history.
type LevelLoad struct {
	Name     string    `json:"name"`
	LoadedAt time.Time `json:"loaded_at"`
}

// SessionStore journals sessions and level loads.
type SessionStore struct {
	db *Database

	mu    sync.Mutex
	level string
}

// NewSessionStore opens the journal at dbPath and migrates its schema.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SessionStore{db: database}
	if err := database.Migrate(migrations); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return s, nil
}

// Path returns the journal file path.
func (s *SessionStore) Path() string {
	return s.db.Path()
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// migrations are applied in order; append, never edit.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		peer TEXT NOT NULL,
		player_id INTEGER NOT NULL DEFAULT 0,
		level TEXT NOT NULL DEFAULT '',
		connected_at INTEGER,
		disconnected_at INTEGER,
		rtt_ms REAL NOT NULL DEFAULT 0,
		loss_percent REAL NOT NULL DEFAULT 0,
		packets_sent INTEGER NOT NULL DEFAULT 0,
		packets_received INTEGER NOT NULL DEFAULT 0,
		packets_lost INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS level_loads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		loaded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_peer ON sessions(peer);
	CREATE INDEX IF NOT EXISTS idx_level_loads_loaded_at ON level_loads(loaded_at);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_disconnected_at ON sessions(disconnected_at);`,
}

// RecordConnect stores the start of a session.
func (s *SessionStore) RecordConnect(p events.SessionPayload, at time.Time) error {
	s.mu.Lock()
	level := s.level
	s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, peer, player_id, level, connected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer = excluded.peer,
			player_id = excluded.player_id,
			level = excluded.level,
			connected_at = excluded.connected_at`,
		p.SessionID, p.Peer, p.PlayerID, level, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record connect of %s: %w", p.Peer, err)
	}
	return nil
}

// RecordDisconnect stores the end of a session and its final stats.
func (s *SessionStore) RecordDisconnect(p events.SessionPayload, at time.Time) error {
	var rtt, loss float64
	var sent, received, lost uint64
	if p.Stats != nil {
		rtt = p.Stats.RTT
		loss = p.Stats.LossPercent
		sent = p.Stats.PacketsSent
		received = p.Stats.PacketsReceived
		lost = p.Stats.PacketsLost
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, peer, disconnected_at, rtt_ms, loss_percent, packets_sent, packets_received, packets_lost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			disconnected_at = excluded.disconnected_at,
			rtt_ms = excluded.rtt_ms,
			loss_percent = excluded.loss_percent,
			packets_sent = excluded.packets_sent,
			packets_received = excluded.packets_received,
			packets_lost = excluded.packets_lost`,
		p.SessionID, p.Peer, at.UnixMilli(), rtt, loss, int64(sent), int64(received), int64(lost))
	if err != nil {
		return fmt.Errorf("failed to record disconnect of %s: %w", p.Peer, err)
	}
	return nil
}

// RecordLevel appends a level load and tags later sessions with it.
func (s *SessionStore) RecordLevel(name string, at time.Time) error {
	s.mu.Lock()
	s.level = name
	s.mu.Unlock()

	if _, err := s.db.Exec("INSERT INTO level_loads (name, loaded_at) VALUES (?, ?)", name, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to record level %s: %w", name, err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *SessionStore) RecentSessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, peer, player_id, level, connected_at, disconnected_at,
			rtt_ms, loss_percent, packets_sent, packets_received, packets_lost
		FROM sessions
		ORDER BY COALESCE(connected_at, disconnected_at) DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var connected, disconnected sql.NullInt64
		var sent, received, lost int64
		if err := rows.Scan(&sess.ID, &sess.Peer, &sess.PlayerID, &sess.Level, &connected, &disconnected,
			&sess.RTT, &sess.LossPercent, &sent, &received, &lost); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.ConnectedAt = millisToTime(connected)
		sess.DisconnectedAt = millisToTime(disconnected)
		sess.PacketsSent = uint64(sent)
		sess.PacketsReceived = uint64(received)
		sess.PacketsLost = uint64(lost)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecentLevels returns up to limit level loads, newest first.
func (s *SessionStore) RecentLevels(limit int) ([]LevelLoad, error) {
	rows, err := s.db.Query("SELECT name, loaded_at FROM level_loads ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query level loads: %w", err)
	}
	defer rows.Close()

	var out []LevelLoad
	for rows.Next() {
		var l LevelLoad
		var at int64
		if err := rows.Scan(&l.Name, &at); err != nil {
			return nil, fmt.Errorf("failed to scan level load: %w", err)
		}
		l.LoadedAt = time.UnixMilli(at)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Prune deletes finished sessions and level loads older than before. Open
// sessions are kept. It returns the number of deleted sessions.
func (s *SessionStore) Prune(before time.Time) (int64, error) {
	var deleted int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM sessions WHERE disconnected_at IS NOT NULL AND disconnected_at < ?", before.UnixMilli())
		if err != nil {
			return err
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.Exec("DELETE FROM level_loads WHERE loaded_at < ?", before.UnixMilli())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return deleted, nil
}

// Count returns the number of journaled sessions.
func (s *SessionStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Subscribe journals session and level events from bus.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventPeerConnected, "session_journal", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.SessionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return s.RecordConnect(p, e.Time)
	})
	bus.Subscribe(events.EventPeerDisconnected, "session_journal", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.SessionPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return s.RecordDisconnect(p, e.Time)
	})
	bus.Subscribe(events.EventLevelLoaded, "session_journal", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.LevelPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return s.RecordLevel(p.Name, e.Time)
	})
}

func millisToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

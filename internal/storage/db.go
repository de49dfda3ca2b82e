// Package storage persists the peer directory and the call log in a local
// SQLite database. Message content is deliberately not stored here; chat
// history lives in memory only.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the local SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "p2p.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers while the event loop writes.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS peers (
		peer_id      TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		room_id      TEXT NOT NULL DEFAULT '',
		first_seen   INTEGER NOT NULL DEFAULT 0,
		last_seen    INTEGER NOT NULL DEFAULT 0,
		times_seen   INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peers table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS calls (
		call_id      TEXT PRIMARY KEY,
		participants TEXT NOT NULL DEFAULT '[]',
		video        INTEGER NOT NULL DEFAULT 0,
		started_at   INTEGER NOT NULL DEFAULT 0,
		ended_at     INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Peer directory ──────────────────────────────────────────────────────────

// PeerRecord is one directory entry: a peer identity we have seen in a room,
// with its last advertised display name.
type PeerRecord struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	RoomID      string `json:"room_id"`
	FirstSeen   int64  `json:"first_seen"`
	LastSeen    int64  `json:"last_seen"`
	TimesSeen   int64  `json:"times_seen"`
}

// UpsertPeer records a sighting of a peer, updating its display name and
// bumping the sighting counter.
func (d *DB) UpsertPeer(peerID, displayName, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := d.db.Exec(`INSERT INTO peers (peer_id, display_name, room_id, first_seen, last_seen, times_seen)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name=excluded.display_name,
			room_id=excluded.room_id,
			last_seen=excluded.last_seen,
			times_seen=peers.times_seen+1`,
		peerID, displayName, roomID, now, now)
	return err
}

// TouchPeer bumps last_seen without changing anything else.
func (d *DB) TouchPeer(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id = ?`,
		time.Now().UnixMilli(), peerID)
	return err
}

// Peers returns the directory, most recently seen first.
func (d *DB) Peers() ([]PeerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT peer_id, display_name, room_id, first_seen, last_seen, times_seen
		FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PeerRecord
	for rows.Next() {
		var r PeerRecord
		if err := rows.Scan(&r.PeerID, &r.DisplayName, &r.RoomID, &r.FirstSeen, &r.LastSeen, &r.TimesSeen); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// PrunePeers removes directory entries last seen before the threshold.
func (d *DB) PrunePeers(before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`DELETE FROM peers WHERE last_seen < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── Call log ────────────────────────────────────────────────────────────────

// CallRecord is one completed or in-progress call.
type CallRecord struct {
	CallID       string   `json:"call_id"`
	Participants []string `json:"participants"`
	Video        bool     `json:"video"`
	StartedAt    int64    `json:"started_at"`
	EndedAt      int64    `json:"ended_at"` // 0 while in progress
}

// RecordCallStart logs a call beginning.
func (d *DB) RecordCallStart(callID string, participants []string, video bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`INSERT INTO calls (call_id, participants, video, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET participants=excluded.participants`,
		callID, string(members), boolInt(video), time.Now().UnixMilli())
	return err
}

// RecordCallEnd stamps the call's end time.
func (d *DB) RecordCallEnd(callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE calls SET ended_at = ? WHERE call_id = ? AND ended_at = 0`,
		time.Now().UnixMilli(), callID)
	return err
}

// RecentCalls returns up to limit calls, newest first.
func (d *DB) RecentCalls(limit int) ([]CallRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT call_id, participants, video, started_at, ended_at
		FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CallRecord
	for rows.Next() {
		var (
			r       CallRecord
			members string
			video   int64
		)
		if err := rows.Scan(&r.CallID, &members, &video, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		r.Video = video != 0
		if err := json.Unmarshal([]byte(members), &r.Participants); err != nil {
			r.Participants = nil
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

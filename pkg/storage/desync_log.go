// Package storage persists desync reports so operators can see which peers
// fell out of sync and why.
package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

var ErrLogClosed = errors.New("desync log closed")

// DesyncReport describes one peer that had to be disconnected
type DesyncReport struct {
	SessionID string `json:"session_id"`
	Peer      uint16 `json:"peer"`
	PeerName  string `json:"peer_name,omitempty"`
	Kind      string `json:"kind"`
	EventID   uint16 `json:"event_id"`
	EntityID  uint16 `json:"entity_id"`
	Detail    string `json:"detail,omitempty"`
}

// Digest identifies a report regardless of its detail text. Reports with the
// same digest are folded into one row.
func (r DesyncReport) Digest() string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		r.SessionID,
		strconv.FormatUint(uint64(r.Peer), 10),
		r.Kind,
		strconv.FormatUint(uint64(r.EventID), 10),
		strconv.FormatUint(uint64(r.EntityID), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DesyncRecord is a stored report
type DesyncRecord struct {
	DesyncReport
	ID          int64     `json:"id"`
	Digest      string    `json:"digest"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// DesyncStats summarises the log
type DesyncStats struct {
	Reports     int            `json:"reports"`
	Occurrences int            `json:"occurrences"`
	ByKind      map[string]int `json:"by_kind"`
}

// DesyncLog stores desync reports in SQLite and expires them after a TTL
type DesyncLog struct {
	db     *sql.DB
	ttl    time.Duration
	clock  clock.Clock
	logger *zap.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDesyncLog opens (or creates) the log at dbPath.
// ttl: how long a report is kept after it was last seen (default: 7 days)
func NewDesyncLog(dbPath string, ttl time.Duration, clk clock.Clock, logger *zap.Logger) (*DesyncLog, error) {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open desync database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	l := &DesyncLog{
		db:     db,
		ttl:    ttl,
		clock:  clk,
		logger: logger.Named("desync-log"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go l.cleanupLoop()

	return l, nil
}

func (l *DesyncLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS desync_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		digest TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		peer INTEGER NOT NULL,
		peer_name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		entity_id INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		occurrences INTEGER NOT NULL DEFAULT 1,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	-- Index for listing recent reports
	CREATE INDEX IF NOT EXISTS idx_last_seen ON desync_reports(last_seen);

	-- Index for per-kind stats
	CREATE INDEX IF NOT EXISTS idx_kind ON desync_reports(kind);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record stores a report, or bumps the occurrence count of an identical one
func (l *DesyncLog) Record(r DesyncReport) error {
	now := l.clock.Now().UnixMilli()

	query := `
		INSERT INTO desync_reports (digest, session_id, peer, peer_name, kind, event_id, entity_id, detail, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			occurrences = occurrences + 1,
			detail = excluded.detail,
			last_seen = excluded.last_seen
	`

	_, err := l.db.Exec(query, r.Digest(), r.SessionID, r.Peer, r.PeerName, r.Kind, r.EventID, r.EntityID, r.Detail, now, now)
	if err != nil {
		return fmt.Errorf("failed to record desync: %w", err)
	}

	l.logger.Debug("recorded desync",
		zap.String("session", r.SessionID),
		zap.Uint16("peer", r.Peer),
		zap.String("kind", r.Kind))
	return nil
}

// Recent returns up to limit reports, most recently seen first
func (l *DesyncLog) Recent(limit int) ([]*DesyncRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, digest, session_id, peer, peer_name, kind, event_id, entity_id, detail, occurrences, first_seen, last_seen
		FROM desync_reports
		ORDER BY last_seen DESC, id DESC
		LIMIT ?
	`

	rows, err := l.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query desync reports: %w", err)
	}
	defer rows.Close()

	records := make([]*DesyncRecord, 0, limit)
	for rows.Next() {
		rec := &DesyncRecord{}
		var firstSeen, lastSeen int64
		if err := rows.Scan(&rec.ID, &rec.Digest, &rec.SessionID, &rec.Peer, &rec.PeerName, &rec.Kind,
			&rec.EventID, &rec.EntityID, &rec.Detail, &rec.Occurrences, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan desync report: %w", err)
		}
		rec.FirstSeen = time.UnixMilli(firstSeen).UTC()
		rec.LastSeen = time.UnixMilli(lastSeen).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats returns report and occurrence counts
func (l *DesyncLog) Stats() (*DesyncStats, error) {
	stats := &DesyncStats{ByKind: make(map[string]int)}

	rows, err := l.db.Query(`SELECT kind, COUNT(*), SUM(occurrences) FROM desync_reports GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to get desync stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var reports, occurrences int
		if err := rows.Scan(&kind, &reports, &occurrences); err != nil {
			return nil, fmt.Errorf("failed to scan desync stats: %w", err)
		}
		stats.ByKind[kind] = reports
		stats.Reports += reports
		stats.Occurrences += occurrences
	}
	return stats, rows.Err()
}

// Cleanup removes reports not seen within the TTL and returns how many
func (l *DesyncLog) Cleanup() (int64, error) {
	cutoff := l.clock.Now().Add(-l.ttl).UnixMilli()
	result, err := l.db.Exec(`DELETE FROM desync_reports WHERE last_seen <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up desync reports: %w", err)
	}
	return result.RowsAffected()
}

func (l *DesyncLog) cleanupLoop() {
	defer close(l.done)

	ticker := l.clock.Ticker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			count, err := l.Cleanup()
			if err != nil {
				l.logger.Warn("cleanup failed", zap.Error(err))
				continue
			}
			if count > 0 {
				l.logger.Info("expired desync reports", zap.Int64("count", count))
			}
		}
	}
}

// Close stops the cleanup goroutine and closes the database
func (l *DesyncLog) Close() error {
	err := ErrLogClosed
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
		err = l.db.Close()
	})
	return err
}

// Package journal records push envelopes to SQLite for diagnostics.
// Nothing is ever loaded back into the engine from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/chat"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const pruneEvery = 100

// Entry is one recorded envelope.
type Entry struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`
	Direction      string    `json:"direction"`
	ConversationID chat.ID   `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Payload        string    `json:"payload"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Journal wraps the journal.db connection.
type Journal struct {
	db      *sql.DB
	logger  *zap.Logger
	retain  int
	written atomic.Int64
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// retain bounds the number of kept rows; zero keeps everything.
func Open(path string, retain int, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return &Journal{db: db, logger: logger, retain: retain}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one envelope.
func (j *Journal) Record(ctx context.Context, direction string, conversationID chat.ID, frame []byte) (Entry, error) {
	e := Entry{
		EventID:        uuid.NewString(),
		Direction:      direction,
		ConversationID: conversationID,
		Kind:           envelopeKind(frame),
		Payload:        string(frame),
		RecordedAt:     time.Now(),
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO envelopes (event_id, direction, conversation_id, kind, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Direction, string(e.ConversationID), e.Kind, e.Payload, e.RecordedAt.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("record envelope: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return e, nil
}

// Tap records a frame seen by the connection manager. Failures are logged.
func (j *Journal) Tap(direction string, conversationID chat.ID, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := j.Record(ctx, direction, conversationID, frame); err != nil {
		j.logger.Warn("journal write failed", zap.Error(err))
		return
	}
	if j.retain > 0 && j.written.Add(1)%pruneEvery == 0 {
		if _, err := j.Prune(ctx, j.retain); err != nil {
			j.logger.Warn("journal prune failed", zap.Error(err))
		}
	}
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, event_id, direction, conversation_id, kind, payload, recorded_at
		FROM envelopes
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var conv string
		var at int64
		if err := rows.Scan(&e.ID, &e.EventID, &e.Direction, &conv, &e.Kind, &e.Payload, &at); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.ConversationID = chat.ID(conv)
		e.RecordedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes everything but the newest retain entries.
func (j *Journal) Prune(ctx context.Context, retain int) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM envelopes
		WHERE id NOT IN (SELECT id FROM envelopes ORDER BY id DESC LIMIT ?)`, retain)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// envelopeKind extracts the envelope type, or "invalid" for unparseable frames.
func envelopeKind(frame []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		return "invalid"
	}
	return env.Type
}

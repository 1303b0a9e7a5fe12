package main

import (
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	journalOutcomeCommitted = "committed"
	journalOutcomeAccepted  = "accepted"
	journalOutcomeRejected  = "rejected"
	journalOutcomeAbandoned = "abandoned"
)

// negotiationJournal keeps one row per committed job in
// data_dir/state/negotiation.db. A nil journal records nothing.
type negotiationJournal struct {
	db *sql.DB
}

type journalRound struct {
	ID         int64
	RequestID  uint32
	Token      string
	TemplateID uint64
	Height     int64
	TxCount    int
	Outcome    string
	ErrorCode  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func journalPath(dataDir string) string {
	return filepath.Join(dataDir, "state", "negotiation.db")
}

func openNegotiationJournal(path string) (*negotiationJournal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_journal=WAL")
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite is not safe with several writers on one file.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS negotiation_rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id INTEGER NOT NULL,
			token TEXT NOT NULL,
			template_id INTEGER NOT NULL,
			height INTEGER NOT NULL,
			tx_count INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS negotiation_rounds_request_idx ON negotiation_rounds (request_id, id)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &negotiationJournal{db: db}, nil
}

func (j *negotiationJournal) RecordCommit(requestID uint32, token []byte, templateID uint64, height int64, txCount int) error {
	if j == nil || j.db == nil {
		return nil
	}
	now := time.Now().Unix()
	_, err := j.db.Exec(
		`INSERT INTO negotiation_rounds (request_id, token, template_id, height, tx_count, outcome, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(requestID), hex.EncodeToString(token), int64(templateID), height, txCount, journalOutcomeCommitted, now, now,
	)
	return err
}

// RecordOutcome updates the newest row for requestID. Outcomes for request
// ids that were never committed are dropped.
func (j *negotiationJournal) RecordOutcome(requestID uint32, outcome, errorCode string) error {
	if j == nil || j.db == nil {
		return nil
	}
	_, err := j.db.Exec(
		`UPDATE negotiation_rounds SET outcome = ?, error_code = ?, updated_at = ?
		 WHERE id = (SELECT MAX(id) FROM negotiation_rounds WHERE request_id = ?)`,
		outcome, errorCode, time.Now().Unix(), int64(requestID),
	)
	return err
}

// Recent returns up to limit rows, newest first.
func (j *negotiationJournal) Recent(limit int) ([]journalRound, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT id, request_id, token, template_id, height, tx_count, outcome, error_code, created_at, updated_at
		 FROM negotiation_rounds ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []journalRound
	for rows.Next() {
		var (
			r                    journalRound
			requestID, tplID     int64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.ID, &requestID, &r.Token, &tplID, &r.Height, &r.TxCount, &r.Outcome, &r.ErrorCode, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.RequestID = uint32(requestID)
		r.TemplateID = uint64(tplID)
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *negotiationJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

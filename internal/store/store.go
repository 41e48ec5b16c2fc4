// Package store is the persistence port: sessions, interaction records,
// and feedback over SQLite. All multi-step writes happen inside a single
// transaction so a failed turn commits nothing.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
)

// ErrSessionSuperseded is returned when a late write targets a session
// that is no longer the student's active session.
var ErrSessionSuperseded = errors.New("session superseded")

// ErrInvalidRating is returned for a feedback rating outside 1..5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: serializes the create-or-reuse and score-increment
	// transactions without long-lived application locks.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		cumulative_score INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions(student_id);

	CREATE TABLE IF NOT EXISTS active_contexts (
		student_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS interaction_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		evaluation_json TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_session ON interaction_records(session_id);

	CREATE TABLE IF NOT EXISTS feedback_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		rating INTEGER NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ResolveActiveSession returns the student's session for the given case,
// minting a new one when no active context exists or the active context
// points at a different case. The read-decide-insert runs in one
// transaction, so two near-simultaneous turns cannot both create a
// session. Returns the session, whether it was newly created, and the
// context generation the caller should carry for late-write guards.
func (s *Store) ResolveActiveSession(studentID, caseID string) (model.Session, bool, int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.Session{}, false, 0, err
	}
	defer tx.Rollback()

	var prevCase, prevSession string
	var generation int64
	err = tx.QueryRow(
		`SELECT case_id, session_id, generation FROM active_contexts WHERE student_id = ?`, studentID,
	).Scan(&prevCase, &prevSession, &generation)
	haveContext := err == nil
	if err != nil && err != sql.ErrNoRows {
		return model.Session{}, false, 0, err
	}

	if haveContext && prevCase == caseID {
		sess, err := getSessionTx(tx, prevSession)
		if err != nil {
			return model.Session{}, false, 0, err
		}
		return sess, false, generation, tx.Commit()
	}

	// No context, or the displayed case differs: always a new session.
	sess := model.Session{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		CaseID:     caseID,
		Generation: generation + 1,
		CreatedAt:  time.Now(),
	}
	_, err = tx.Exec(
		`INSERT INTO sessions (id, student_id, case_id, cumulative_score, state_json, created_at)
		 VALUES (?, ?, ?, 0, '{}', ?)`,
		sess.ID, sess.StudentID, sess.CaseID, sess.CreatedAt,
	)
	if err != nil {
		return model.Session{}, false, 0, err
	}
	_, err = tx.Exec(
		`INSERT INTO active_contexts (student_id, case_id, session_id, generation)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(student_id) DO UPDATE SET case_id = ?, session_id = ?, generation = ?`,
		studentID, caseID, sess.ID, sess.Generation,
		caseID, sess.ID, sess.Generation,
	)
	if err != nil {
		return model.Session{}, false, 0, err
	}
	return sess, true, sess.Generation, tx.Commit()
}

// CreateSession inserts a session row directly, without touching the
// active context. ResolveActiveSession is the normal turn-path entry;
// this exists for callers that manage attribution themselves.
func (s *Store) CreateSession(studentID, caseID string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, student_id, case_id, cumulative_score, state_json, created_at)
		 VALUES (?, ?, ?, 0, '{}', ?)`,
		id, studentID, caseID, time.Now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(id string) (model.Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.Session{}, err
	}
	defer tx.Rollback()
	sess, err := getSessionTx(tx, id)
	if err != nil {
		return model.Session{}, err
	}
	return sess, tx.Commit()
}

func getSessionTx(tx *sql.Tx, id string) (model.Session, error) {
	var sess model.Session
	err := tx.QueryRow(
		`SELECT s.id, s.student_id, s.case_id, s.cumulative_score, s.created_at,
		        COALESCE(ac.generation, 0)
		 FROM sessions s
		 LEFT JOIN active_contexts ac ON ac.session_id = s.id
		 WHERE s.id = ?`, id,
	).Scan(&sess.ID, &sess.StudentID, &sess.CaseID, &sess.CumulativeScore, &sess.CreatedAt, &sess.Generation)
	return sess, err
}

// GetActiveContext returns the student's active context, or nil if none.
func (s *Store) GetActiveContext(studentID string) (*model.ActiveContext, error) {
	var ac model.ActiveContext
	ac.StudentID = studentID
	err := s.db.QueryRow(
		`SELECT case_id, session_id, generation FROM active_contexts WHERE student_id = ?`, studentID,
	).Scan(&ac.CaseID, &ac.SessionID, &ac.Generation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ac, nil
}

// IncrementScore applies a relative score delta in a single atomic update
// and returns the new cumulative total.
func (s *Store) IncrementScore(sessionID string, delta int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	total, err := incrementScoreTx(tx, sessionID, delta)
	if err != nil {
		return 0, err
	}
	return total, tx.Commit()
}

func incrementScoreTx(tx *sql.Tx, sessionID string, delta int) (int, error) {
	res, err := tx.Exec(
		`UPDATE sessions SET cumulative_score = cumulative_score + ? WHERE id = ?`, delta, sessionID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, sql.ErrNoRows
	}
	var total int
	err = tx.QueryRow(`SELECT cumulative_score FROM sessions WHERE id = ?`, sessionID).Scan(&total)
	return total, err
}

// AppendRecord inserts one immutable interaction record. Turn commits
// go through AppendTurn; this appends standalone records such as
// evaluator notes outside a scored turn.
func (s *Store) AppendRecord(rec model.InteractionRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := appendRecordTx(tx, rec)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func appendRecordTx(tx *sql.Tx, rec model.InteractionRecord) (int64, error) {
	var evalJSON any
	if rec.Evaluation != nil {
		data, err := json.Marshal(rec.Evaluation)
		if err != nil {
			return 0, fmt.Errorf("marshal evaluation: %w", err)
		}
		evalJSON = string(data)
	}
	res, err := tx.Exec(
		`INSERT INTO interaction_records (session_id, role, content, evaluation_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Role, rec.Content, evalJSON, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendTurn persists a full turn in one transactional boundary: the
// student record, the assistant record, the score delta, and the updated
// session state. If any step fails, nothing is committed and the
// cumulative score is untouched.
func (s *Store) AppendTurn(studentRec, assistantRec model.InteractionRecord, delta int, state model.SessionState) (int64, int64, int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, 0, err
	}
	defer tx.Rollback()

	total, err := incrementScoreTx(tx, studentRec.SessionID, delta)
	if err != nil {
		return 0, 0, 0, err
	}
	if studentRec.Evaluation != nil {
		studentRec.Evaluation.ScoreAfter = total
	}

	studentID, err := appendRecordTx(tx, studentRec)
	if err != nil {
		return 0, 0, 0, err
	}
	assistantID, err := appendRecordTx(tx, assistantRec)
	if err != nil {
		return 0, 0, 0, err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("marshal state: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET state_json = ? WHERE id = ?`, string(stateJSON), studentRec.SessionID,
	); err != nil {
		return 0, 0, 0, err
	}

	return studentID, assistantID, total, tx.Commit()
}

// GetSessionState returns the session's scenario state.
func (s *Store) GetSessionState(sessionID string) (model.SessionState, error) {
	var raw string
	err := s.db.QueryRow(`SELECT state_json FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err != nil {
		return model.SessionState{}, err
	}
	var state model.SessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return model.SessionState{}, fmt.Errorf("parse session state: %w", err)
	}
	return state, nil
}

// AttachClinicalNote merges a late clinical outcome into a record's
// evaluation payload. The write is rejected with ErrSessionSuperseded
// when the record's session is no longer the student's active session at
// the given generation, so an evaluator finishing after a case switch
// cannot resurrect a superseded session.
func (s *Store) AttachClinicalNote(recordID int64, studentID string, generation int64, outcome model.ClinicalOutcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow(
		`SELECT ac.generation
		 FROM interaction_records ir
		 JOIN active_contexts ac ON ac.session_id = ir.session_id
		 WHERE ir.id = ? AND ac.student_id = ?`, recordID, studentID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrSessionSuperseded
	}
	if err != nil {
		return err
	}
	if current != generation {
		return ErrSessionSuperseded
	}

	var raw sql.NullString
	if err := tx.QueryRow(
		`SELECT evaluation_json FROM interaction_records WHERE id = ?`, recordID,
	).Scan(&raw); err != nil {
		return err
	}
	var payload model.EvaluationPayload
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
			return fmt.Errorf("parse evaluation payload: %w", err)
		}
	}
	payload.Clinical = outcome

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal evaluation payload: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE interaction_records SET evaluation_json = ? WHERE id = ?`, string(data), recordID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRecords returns all interaction records for a session in append order.
func (s *Store) GetRecords(sessionID string) ([]model.InteractionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, evaluation_json, created_at
		 FROM interaction_records WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.InteractionRecord
	for rows.Next() {
		var rec model.InteractionRecord
		var evalJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Role, &rec.Content, &evalJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if evalJSON.Valid && evalJSON.String != "" {
			var payload model.EvaluationPayload
			if err := json.Unmarshal([]byte(evalJSON.String), &payload); err != nil {
				return nil, fmt.Errorf("parse evaluation for record %d: %w", rec.ID, err)
			}
			rec.Evaluation = &payload
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendFeedback stores an end-of-session feedback entry.
func (s *Store) AppendFeedback(fb model.FeedbackRecord) (int64, error) {
	if fb.Rating < 1 || fb.Rating > 5 {
		return 0, ErrInvalidRating
	}
	res, err := s.db.Exec(
		`INSERT INTO feedback_logs (session_id, rating, comment, created_at) VALUES (?, ?, ?, ?)`,
		fb.SessionID, fb.Rating, fb.Comment, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetFeedback returns all feedback entries for a session.
func (s *Store) GetFeedback(sessionID string) ([]model.FeedbackRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, rating, comment, created_at FROM feedback_logs WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fbs []model.FeedbackRecord
	for rows.Next() {
		var fb model.FeedbackRecord
		if err := rows.Scan(&fb.ID, &fb.SessionID, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, err
		}
		fbs = append(fbs, fb)
	}
	return fbs, rows.Err()
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]model.Session, error) {
	rows, err := s.db.Query(
		`SELECT s.id, s.student_id, s.case_id, s.cumulative_score, s.created_at,
		        COALESCE(ac.generation, 0)
		 FROM sessions s
		 LEFT JOIN active_contexts ac ON ac.session_id = s.id
		 ORDER BY s.created_at DESC, s.id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.StudentID, &sess.CaseID, &sess.CumulativeScore, &sess.CreatedAt, &sess.Generation); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

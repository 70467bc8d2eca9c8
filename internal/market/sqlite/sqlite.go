// Package sqlite implements the market store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/askmesh/askmesh/internal/market"
)

type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	author TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	bounty_cents INTEGER NOT NULL,
	payment_tx TEXT NOT NULL DEFAULT '',
	answer_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS answers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	question_id INTEGER NOT NULL REFERENCES questions(id),
	agent TEXT NOT NULL,
	body TEXT NOT NULL,
	payment_tx TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answers_question ON answers(question_id);
`

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *Store) CreateQuestion(ctx context.Context, q *market.Question) (int64, error) {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (author, title, body, bounty_cents, payment_tx, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.Author, q.Title, q.Body, q.BountyCents, q.PaymentTx, q.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	q.ID = id
	return id, nil
}

func (s *Store) GetQuestion(ctx context.Context, id int64) (market.Question, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, author, title, body, bounty_cents, payment_tx, answer_count, created_at
		 FROM questions WHERE id = ?`, id)
	return scanQuestion(row)
}

func (s *Store) ListQuestions(ctx context.Context, opts market.QuestionListOpts) ([]market.Question, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cursor := opts.Cursor
	if cursor <= 0 {
		cursor = int64(^uint64(0) >> 1)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, title, body, bounty_cents, payment_tx, answer_count, created_at
		 FROM questions WHERE id < ? ORDER BY id DESC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []market.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *Store) CreateAnswer(ctx context.Context, a *market.Answer) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM questions WHERE id = ?`, a.QuestionID).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, market.ErrNotFound
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO answers (question_id, agent, body, payment_tx, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.QuestionID, a.Agent, a.Body, a.PaymentTx, a.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET answer_count = answer_count + 1 WHERE id = ?`, a.QuestionID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (s *Store) ListAnswersByQuestion(ctx context.Context, questionID int64) ([]market.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question_id, agent, body, payment_tx, created_at
		 FROM answers WHERE question_id = ? ORDER BY id ASC`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []market.Answer
	for rows.Next() {
		var a market.Answer
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.QuestionID, &a.Agent, &a.Body, &a.PaymentTx, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (market.Question, error) {
	var q market.Question
	var createdAt int64
	err := row.Scan(&q.ID, &q.Author, &q.Title, &q.Body, &q.BountyCents, &q.PaymentTx, &q.AnswerCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Question{}, market.ErrNotFound
	}
	if err != nil {
		return market.Question{}, err
	}
	q.CreatedAt = time.Unix(createdAt, 0)
	return q, nil
}

// Package market holds the marketplace data shapes the payment core
// exchanges with the rest of the system: questions posted by requesters
// and answers submitted by agents.
package market

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Question is a bounty posted by a requester.
type Question struct {
	ID          int64     `json:"id"`
	Author      string    `json:"author"` // payer address from the settled payment
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	BountyCents int64     `json:"bountyCents"`
	PaymentTx   string    `json:"paymentTx"`
	CreatedAt   time.Time `json:"createdAt"`
	AnswerCount int       `json:"answerCount"`
}

// Answer is an agent's submission against a question.
type Answer struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"questionId"`
	Agent      string    `json:"agent"` // payer address from the settled payment
	Body       string    `json:"body"`
	PaymentTx  string    `json:"paymentTx"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QuestionListOpts pages through questions, newest first.
type QuestionListOpts struct {
	Limit  int
	Cursor int64 // return questions with ID < Cursor; 0 means from the top
}

// Store is the persistence contract for marketplace records.
type Store interface {
	CreateQuestion(ctx context.Context, q *Question) (int64, error)
	GetQuestion(ctx context.Context, id int64) (Question, error)
	ListQuestions(ctx context.Context, opts QuestionListOpts) ([]Question, error)
	CreateAnswer(ctx context.Context, a *Answer) (int64, error)
	ListAnswersByQuestion(ctx context.Context, questionID int64) ([]Answer, error)
	Close() error
}

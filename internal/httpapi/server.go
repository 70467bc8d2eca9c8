// Package httpapi exposes the question marketplace over HTTP. Write
// operations are payment-gated; reads are free.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/askmesh/askmesh/internal/market"
	"github.com/askmesh/askmesh/x402"
)

// Server routes marketplace requests, gating writes behind the payment
// orchestrator.
type Server struct {
	store         market.Store
	orchestrator  *x402.Orchestrator
	questionRoute x402.RouteConfig
	answerRoute   x402.RouteConfig
	logger        *slog.Logger
}

// Config wires a Server.
type Config struct {
	Store              market.Store
	Orchestrator       *x402.Orchestrator
	QuestionPriceCents int64
	AnswerPriceCents   int64
	Logger             *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		questionRoute: x402.RouteConfig{
			Resource:    "/v1/questions",
			Description: "Post a question with a bounty",
			PriceCents:  cfg.QuestionPriceCents,
		},
		answerRoute: x402.RouteConfig{
			Resource:    "/v1/questions/{id}/answers",
			Description: "Submit an answer to a question",
			PriceCents:  cfg.AnswerPriceCents,
		},
		logger: logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/questions", s.handleListQuestions)
	mux.HandleFunc("GET /v1/questions/{id}", s.handleGetQuestion)
	mux.HandleFunc("POST /v1/questions", s.handlePostQuestion)
	mux.HandleFunc("POST /v1/questions/{id}/answers", s.handlePostAnswer)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	opts := market.QuestionListOpts{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("cursor"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			opts.Cursor = n
		}
	}

	questions, err := s.store.ListQuestions(r.Context(), opts)
	if err != nil {
		s.logger.Error("listing questions failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if questions == nil {
		questions = []market.Question{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"questions": questions})
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid question id"})
		return
	}

	question, err := s.store.GetQuestion(r.Context(), id)
	if errors.Is(err, market.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "question not found"})
		return
	}
	if err != nil {
		s.logger.Error("loading question failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	answers, err := s.store.ListAnswersByQuestion(r.Context(), id)
	if err != nil {
		s.logger.Error("loading answers failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if answers == nil {
		answers = []market.Answer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"question": question, "answers": answers})
}

type postQuestionRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handlePostQuestion(w http.ResponseWriter, r *http.Request) {
	// Refuse before charging: a settled payment for a question that was
	// never going to be accepted could not be refunded.
	var req postQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	s.orchestrator.HandlePaidRoute(w, r, s.questionRoute, func(ctx context.Context, r *http.Request, payment *x402.PaidRouteContext) (*x402.RouteResponse, error) {
		question := &market.Question{
			Author:      payment.Payer,
			Title:       req.Title,
			Body:        req.Body,
			BountyCents: s.questionRoute.PriceCents,
			PaymentTx:   payment.SettlementTransaction,
		}
		if _, err := s.store.CreateQuestion(ctx, question); err != nil {
			return nil, err
		}
		return &x402.RouteResponse{
			Status: http.StatusCreated,
			Body:   map[string]interface{}{"question": question},
		}, nil
	})
}

type postAnswerRequest struct {
	Body string `json:"body"`
}

func (s *Server) handlePostAnswer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid question id"})
		return
	}

	// Refuse before charging: a payment settled against a missing question
	// or a rejectable body could not be refunded.
	if _, err := s.store.GetQuestion(r.Context(), id); errors.Is(err, market.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "question not found"})
		return
	} else if err != nil {
		s.logger.Error("loading question failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	var req postAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "answer body is required"})
		return
	}

	s.orchestrator.HandlePaidRoute(w, r, s.answerRoute, func(ctx context.Context, r *http.Request, payment *x402.PaidRouteContext) (*x402.RouteResponse, error) {
		answer := &market.Answer{
			QuestionID: id,
			Agent:      payment.Payer,
			Body:       req.Body,
			PaymentTx:  payment.SettlementTransaction,
		}
		if _, err := s.store.CreateAnswer(ctx, answer); err != nil {
			if errors.Is(err, market.ErrNotFound) {
				return &x402.RouteResponse{
					Status: http.StatusNotFound,
					Body:   map[string]string{"error": "question not found"},
				}, nil
			}
			return nil, err
		}
		return &x402.RouteResponse{
			Status: http.StatusCreated,
			Body:   map[string]interface{}{"answer": answer},
		}, nil
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

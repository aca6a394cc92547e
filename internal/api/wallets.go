package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bizcoin/bizcoin/internal/app/ledger"
	"github.com/bizcoin/bizcoin/internal/domain"
)

// ─── Wallet API ─────────────────────────────────────────────────────────────
// GET  /api/classrooms/{classroomID}/students/{studentID}/wallet
// GET  /api/classrooms/{classroomID}/students/{studentID}/transactions?limit=&before=
// GET  /api/classrooms/{classroomID}/students/{studentID}/audit
// POST /api/classrooms/{classroomID}/students/{studentID}/{award,earn,spend,penalize}
// POST /api/classrooms/{classroomID}/award-many
// GET  /api/classrooms/{classroomID}/leaderboard?by=&limit=

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// movementBody is the JSON body of award, earn, spend and penalize.
type movementBody struct {
	Amount         int64  `json:"amount"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
	Bonus          bool   `json:"bonus"`
}

// batchBody is the JSON body of award-many.
type batchBody struct {
	StudentIDs     []string `json:"student_ids"`
	Amount         int64    `json:"amount"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	Reference      string   `json:"reference"`
	IdempotencyKey string   `json:"idempotency_key"`
	Bonus          bool     `json:"bonus"`
}

// decodeBody decodes a JSON body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &domain.ValidationError{Field: "body", Reason: "is empty"}
		}
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, fromBody string) string {
	if h := strings.TrimSpace(r.Header.Get("Idempotency-Key")); h != "" {
		return h
	}
	return fromBody
}

func (s *Server) movementRequest(w http.ResponseWriter, r *http.Request) (ledger.Request, error) {
	var body movementBody
	if err := decodeBody(w, r, &body); err != nil {
		return ledger.Request{}, err
	}
	return ledger.Request{
		StudentID:      chi.URLParam(r, "studentID"),
		ClassroomID:    chi.URLParam(r, "classroomID"),
		Amount:         body.Amount,
		Category:       body.Category,
		Description:    body.Description,
		Reference:      body.Reference,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
		Bonus:          body.Bonus,
	}, nil
}

// handleWallet returns the wallet, zero-initialized if it does not exist.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.ledger.GetBalance(r.Context(), chi.URLParam(r, "studentID"), chi.URLParam(r, "classroomID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// handleTransactions returns one page of history, newest first.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	before, err := queryInt(q.Get("before"), "before")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	page, err := s.ledger.Page(r.Context(), chi.URLParam(r, "studentID"), chi.URLParam(r, "classroomID"), before, int(limit))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func queryInt(raw, field string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &domain.ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

// handleAudit reconciles the wallet against its log.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Reconcile(r.Context(), chi.URLParam(r, "studentID"), chi.URLParam(r, "classroomID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": report.Consistent(),
		"report":     report,
	})
}

func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	req, err := s.movementRequest(w, r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tx, err := s.ledger.Award(r.Context(), req)
	s.writeTransaction(w, tx, err)
}

func (s *Server) handleEarn(w http.ResponseWriter, r *http.Request) {
	req, err := s.movementRequest(w, r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tx, err := s.ledger.Earn(r.Context(), req)
	s.writeTransaction(w, tx, err)
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	req, err := s.movementRequest(w, r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tx, err := s.ledger.Spend(r.Context(), req)
	s.writeTransaction(w, tx, err)
}

// writeTransaction writes the committed (or replayed) transaction.
func (s *Server) writeTransaction(w http.ResponseWriter, tx domain.Transaction, err error) {
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"transaction": tx,
	})
}

func (s *Server) handlePenalize(w http.ResponseWriter, r *http.Request) {
	req, err := s.movementRequest(w, r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	res, err := s.ledger.Penalize(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Transaction == nil {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleAwardMany(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := decodeBody(w, r, &body); err != nil {
		s.writeDomainError(w, err)
		return
	}
	results, err := s.ledger.AwardMany(r.Context(), ledger.BatchRequest{
		ClassroomID:    chi.URLParam(r, "classroomID"),
		StudentIDs:     body.StudentIDs,
		Amount:         body.Amount,
		Category:       body.Category,
		Description:    body.Description,
		Reference:      body.Reference,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey),
		Bonus:          body.Bonus,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{
		"results": results,
		"failed":  failed,
	})
}

// handleLeaderboard ranks the classroom by ?by= (current_balance or total_earned).
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	metric := domain.LeaderboardMetric(r.URL.Query().Get("by"))
	entries, err := s.ledger.Leaderboard(r.Context(), chi.URLParam(r, "classroomID"), metric, int(limit))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaderboard": entries,
		"count":       len(entries),
	})
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bizcoin/bizcoin/internal/app/ledger"
	"github.com/bizcoin/bizcoin/internal/app/milestone"
	"github.com/bizcoin/bizcoin/internal/app/notify"
	"github.com/bizcoin/bizcoin/internal/infra/sqlite"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func setupServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hub := NewHub(nil)
	ms := milestone.NewService(db, nil)
	dispatcher := notify.NewDispatcher(nil, 0, hub)
	t.Cleanup(func() { dispatcher.Close() })
	svc := ledger.New(ledger.DefaultConfig(), db, ms, dispatcher, nil)

	s := NewServer(svc, ms, nil)
	s.SetHub(hub)
	s.EnableMetrics()
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, resp
}

func errorType(resp map[string]interface{}) string {
	e, _ := resp["error"].(map[string]interface{})
	s, _ := e["type"].(string)
	return s
}

const studentPath = "/api/classrooms/c1/students/s1"

// ─── Health ─────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	_, h := setupServer(t)
	w, resp := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || resp["status"] != "ok" {
		t.Errorf("GET /health = %d %v", w.Code, resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setupServer(t)
	w, _ := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("GET /metrics = %d", w.Code)
	}
}

// ─── Wallet Routes ──────────────────────────────────────────────────────────

func TestWallet_ZeroForUnknownStudent(t *testing.T) {
	_, h := setupServer(t)
	w, resp := do(t, h, http.MethodGet, studentPath+"/wallet", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["current_balance"] != float64(0) || resp["student_id"] != "s1" {
		t.Errorf("wallet = %v", resp)
	}
}

func TestAwardSpendFlow(t *testing.T) {
	_, h := setupServer(t)

	w, resp := do(t, h, http.MethodPost, studentPath+"/award", `{"amount":50,"category":"quiz"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("award: expected 201, got %d (%v)", w.Code, resp)
	}
	tx := resp["transaction"].(map[string]interface{})
	if tx["balance_after"] != float64(50) || tx["type"] != "awarded" {
		t.Errorf("award tx = %v", tx)
	}

	w, _ = do(t, h, http.MethodPost, studentPath+"/spend", `{"amount":20,"category":"store"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("spend: expected 201, got %d", w.Code)
	}

	w, resp = do(t, h, http.MethodPost, studentPath+"/spend", `{"amount":31,"category":"store"}`)
	if w.Code != http.StatusConflict || errorType(resp) != "insufficient_balance" {
		t.Fatalf("overspend: got %d %v, want 409 insufficient_balance", w.Code, resp)
	}
	e := resp["error"].(map[string]interface{})
	if e["balance"] != float64(30) || e["requested"] != float64(31) {
		t.Errorf("overspend detail = %v", e)
	}

	_, resp = do(t, h, http.MethodGet, studentPath+"/wallet", "")
	if resp["current_balance"] != float64(30) || resp["total_spent"] != float64(20) {
		t.Errorf("wallet = %v", resp)
	}

	w, resp = do(t, h, http.MethodGet, studentPath+"/audit", "")
	if w.Code != http.StatusOK || resp["consistent"] != true {
		t.Errorf("audit = %d %v", w.Code, resp)
	}
}

func TestAward_ValidationErrors(t *testing.T) {
	_, h := setupServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed json", `{"amount":`},
		{"unknown field", `{"amount":5,"category":"x","color":"red"}`},
		{"zero amount", `{"amount":0,"category":"x"}`},
		{"missing category", `{"amount":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(t, h, http.MethodPost, studentPath+"/award", tt.body)
			if w.Code != http.StatusBadRequest || errorType(resp) != "validation_error" {
				t.Errorf("got %d %v, want 400 validation_error", w.Code, resp)
			}
		})
	}
}

func TestAward_IdempotencyHeader(t *testing.T) {
	_, h := setupServer(t)
	body := `{"amount":10,"category":"quiz"}`

	_, first := do(t, h, http.MethodPost, studentPath+"/award", body, "Idempotency-Key", "abc")
	_, second := do(t, h, http.MethodPost, studentPath+"/award", body, "Idempotency-Key", "abc")

	id1 := first["transaction"].(map[string]interface{})["id"]
	id2 := second["transaction"].(map[string]interface{})["id"]
	if id1 != id2 {
		t.Errorf("replay id = %v, want %v", id2, id1)
	}
	_, wallet := do(t, h, http.MethodGet, studentPath+"/wallet", "")
	if wallet["current_balance"] != float64(10) {
		t.Errorf("balance = %v, want 10", wallet["current_balance"])
	}
}

func TestPenalize_Clamped(t *testing.T) {
	_, h := setupServer(t)
	do(t, h, http.MethodPost, studentPath+"/earn", `{"amount":5,"category":"autograde"}`)

	w, resp := do(t, h, http.MethodPost, studentPath+"/penalize", `{"amount":8,"category":"late"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("penalize: expected 201, got %d", w.Code)
	}
	if resp["collected"] != float64(5) || resp["uncollected"] != float64(3) {
		t.Errorf("penalty = %v", resp)
	}

	w, resp = do(t, h, http.MethodPost, studentPath+"/penalize", `{"amount":2,"category":"late"}`)
	if w.Code != http.StatusOK || resp["transaction"] != nil {
		t.Errorf("penalty at zero = %d %v, want 200 without transaction", w.Code, resp)
	}
}

func TestPenalize_IdempotentRetry(t *testing.T) {
	_, h := setupServer(t)
	do(t, h, http.MethodPost, studentPath+"/award", `{"amount":50,"category":"quiz"}`)

	body := `{"amount":20,"category":"late"}`
	_, first := do(t, h, http.MethodPost, studentPath+"/penalize", body, "Idempotency-Key", "late-hw1")
	w, second := do(t, h, http.MethodPost, studentPath+"/penalize", body, "Idempotency-Key", "late-hw1")
	if w.Code != http.StatusCreated || second["transaction"] == nil {
		t.Fatalf("retry = %d %v, want 201 with the original transaction", w.Code, second)
	}
	if second["collected"] != float64(20) || second["uncollected"] != float64(0) {
		t.Errorf("retry result = %v", second)
	}
	firstID := first["transaction"].(map[string]interface{})["id"]
	secondID := second["transaction"].(map[string]interface{})["id"]
	if firstID != secondID {
		t.Errorf("retry transaction id = %v, want %v", secondID, firstID)
	}

	_, resp := do(t, h, http.MethodGet, studentPath+"/wallet", "")
	if resp["current_balance"] != float64(30) {
		t.Errorf("balance = %v, want 30", resp["current_balance"])
	}
}

func TestTransactions_Paging(t *testing.T) {
	_, h := setupServer(t)
	for i := 1; i <= 3; i++ {
		do(t, h, http.MethodPost, studentPath+"/award", fmt.Sprintf(`{"amount":%d,"category":"x"}`, i))
	}

	_, resp := do(t, h, http.MethodGet, studentPath+"/transactions?limit=2", "")
	txs := resp["transactions"].([]interface{})
	if len(txs) != 2 || resp["next_before"] == nil {
		t.Fatalf("page 1 = %v", resp)
	}
	next := int64(resp["next_before"].(float64))

	_, resp = do(t, h, http.MethodGet, fmt.Sprintf("%s/transactions?limit=2&before=%d", studentPath, next), "")
	txs = resp["transactions"].([]interface{})
	if len(txs) != 1 || resp["next_before"] != nil {
		t.Errorf("page 2 = %v", resp)
	}

	w, _ := do(t, h, http.MethodGet, studentPath+"/transactions?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestAwardMany(t *testing.T) {
	_, h := setupServer(t)
	w, resp := do(t, h, http.MethodPost, "/api/classrooms/c1/award-many",
		`{"student_ids":["s1","s2","s1"],"amount":5,"category":"lab"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", w.Code, resp)
	}
	results := resp["results"].([]interface{})
	if len(results) != 2 || resp["failed"] != float64(0) {
		t.Errorf("results = %v", resp)
	}

	w, resp = do(t, h, http.MethodPost, "/api/classrooms/c1/award-many", `{"student_ids":[],"amount":5,"category":"lab"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty list: got %d %v", w.Code, resp)
	}
}

func TestLeaderboard(t *testing.T) {
	_, h := setupServer(t)
	do(t, h, http.MethodPost, "/api/classrooms/c1/award-many", `{"student_ids":["s1","s2"],"amount":5,"category":"lab"}`)
	do(t, h, http.MethodPost, "/api/classrooms/c1/students/s2/award", `{"amount":10,"category":"quiz"}`)

	w, resp := do(t, h, http.MethodGet, "/api/classrooms/c1/leaderboard?by=total_earned", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", w.Code, resp)
	}
	entries := resp["leaderboard"].([]interface{})
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	top := entries[0].(map[string]interface{})
	if top["student_id"] != "s2" || top["rank"] != float64(1) || top["score"] != float64(15) {
		t.Errorf("top = %v", top)
	}

	w, _ = do(t, h, http.MethodGet, "/api/classrooms/c1/leaderboard?by=version", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad metric: got %d, want 400", w.Code)
	}
}

// ─── Milestone Routes ───────────────────────────────────────────────────────

func TestMilestoneRoutes(t *testing.T) {
	_, h := setupServer(t)

	w, created := do(t, h, http.MethodPost, "/api/classrooms/c1/milestones",
		`{"metric":"total_earned","threshold":20,"title":"Twenty","bonus":3}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%v)", w.Code, created)
	}
	id := created["id"].(string)

	_, list := do(t, h, http.MethodGet, "/api/classrooms/c1/milestones", "")
	if list["count"] != float64(1) {
		t.Errorf("list = %v", list)
	}

	// Crossing the threshold pays the bonus.
	do(t, h, http.MethodPost, studentPath+"/award", `{"amount":25,"category":"x"}`)
	_, wallet := do(t, h, http.MethodGet, studentPath+"/wallet", "")
	if wallet["current_balance"] != float64(28) {
		t.Errorf("balance = %v, want 28", wallet["current_balance"])
	}

	w, _ = do(t, h, http.MethodGet, "/api/milestones/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}
	w, _ = do(t, h, http.MethodDelete, "/api/milestones/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
	w, resp := do(t, h, http.MethodDelete, "/api/milestones/"+id, "")
	if w.Code != http.StatusNotFound || errorType(resp) != "not_found" {
		t.Errorf("second delete: got %d %v", w.Code, resp)
	}

	w, _ = do(t, h, http.MethodPost, "/api/classrooms/c1/milestones", `{"metric":"karma","threshold":1,"title":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad metric: expected 400, got %d", w.Code)
	}
}

// ─── Middleware ─────────────────────────────────────────────────────────────

func TestRateLimit_WriteRoutes(t *testing.T) {
	s, _ := setupServer(t)
	s.SetRateLimiter(NewIPRateLimiter(0.001, 2))
	h := s.Handler()

	codes := make([]int, 3)
	for i := range codes {
		w, _ := do(t, h, http.MethodPost, studentPath+"/award", `{"amount":1,"category":"x"}`)
		codes[i] = w.Code
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusCreated || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [201 201 429]", codes)
	}

	// Reads are not limited.
	if w, _ := do(t, h, http.MethodGet, studentPath+"/wallet", ""); w.Code != http.StatusOK {
		t.Errorf("read after limit: got %d", w.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	_, h := setupServer(t)
	req := httptest.NewRequest(http.MethodOptions, studentPath+"/award", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	_, h := setupServer(t)
	w, resp := do(t, h, http.MethodGet, "/api/nope", "")
	if w.Code != http.StatusNotFound || errorType(resp) != "not_found" {
		t.Errorf("got %d %v", w.Code, resp)
	}
}

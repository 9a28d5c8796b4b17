package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr/testr"

	"github.com/good-yellow-bee/logpulse/internal/alerting"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

func newTestRouter(t *testing.T) (http.Handler, *alerting.MemoryRuleSource, *alerting.Engine) {
	t.Helper()
	source := alerting.NewMemoryRuleSource()
	engine := alerting.NewEngine(source, alerting.DefaultOptions(), testr.New(t))
	t.Cleanup(engine.Close)

	h := NewHandler(source, engine, testr.New(t))
	r := chi.NewRouter()
	r.Get("/alerts", h.List)
	r.Post("/alerts", h.Create)
	r.Get("/alerts/stats", h.Stats)
	r.Get("/alerts/{id}", h.Get)
	r.Put("/alerts/{id}", h.Update)
	r.Delete("/alerts/{id}", h.Delete)
	r.Post("/alerts/{id}/toggle", h.Toggle)
	return r, source, engine
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	env := struct {
		Data any `json:"data"`
	}{Data: v}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Error.Code
}

const keywordBody = `{"name":"errors","enabled":true,"condition":{"type":"keyword","terms":["error"]},"severity":"high","cooldownSeconds":60}`

func TestCreateGetList(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/alerts", keywordBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created models.AlertRule
	decodeData(t, rec, &created)
	if created.ID == "" || created.Scope != models.ScopeGlobal || created.Severity != models.SeverityHigh {
		t.Errorf("unexpected rule %+v", created)
	}

	rec = do(t, router, http.MethodGet, "/alerts/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/alerts?scope=global", "")
	var list []models.AlertRule
	decodeData(t, rec, &list)
	if len(list) != 1 || list[0].Name != "errors" {
		t.Errorf("unexpected list %+v", list)
	}

	rec = do(t, router, http.MethodGet, "/alerts?scope=user", "")
	list = nil
	decodeData(t, rec, &list)
	if len(list) != 0 {
		t.Errorf("expected no user rules, got %+v", list)
	}
}

func TestCreateValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"not json", `{`, errCodeBadRequest},
		{"unknown field", `{"name":"x","notify":["slack"],"condition":{"type":"keyword","terms":["a"]}}`, errCodeBadRequest},
		{"missing name", `{"condition":{"type":"keyword","terms":["a"]}}`, errCodeValidationFailed},
		{"no terms", `{"name":"x","condition":{"type":"keyword"}}`, errCodeValidationFailed},
		{"bad pattern", `{"name":"x","condition":{"type":"pattern","pattern":"("}}`, errCodeValidationFailed},
		{"bad frequency", `{"name":"x","condition":{"type":"frequency","threshold":0,"windowSeconds":60}}`, errCodeValidationFailed},
		{"user scope without user", `{"name":"x","scope":"user","condition":{"type":"keyword","terms":["a"]}}`, errCodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/alerts", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, code)
			}
		})
	}

	rec := do(t, router, http.MethodGet, "/alerts?scope=team", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad scope, got %d", rec.Code)
	}
}

func TestCreateConflict(t *testing.T) {
	router, _, _ := newTestRouter(t)
	body := `{"id":"r1","name":"errors","condition":{"type":"keyword","terms":["error"]}}`
	if rec := do(t, router, http.MethodPost, "/alerts", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := do(t, router, http.MethodPost, "/alerts", body)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != errCodeConflict {
		t.Errorf("expected conflict, got %d", rec.Code)
	}
}

func TestUpdateDeleteNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	if rec := do(t, router, http.MethodGet, "/alerts/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get: expected 404, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPut, "/alerts/missing", keywordBody); rec.Code != http.StatusNotFound {
		t.Errorf("update: expected 404, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodDelete, "/alerts/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete: expected 404, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/alerts/missing/toggle", ""); rec.Code != http.StatusNotFound {
		t.Errorf("toggle: expected 404, got %d", rec.Code)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	router, source, engine := newTestRouter(t)
	rule := &models.AlertRule{ID: "r1", Name: "errors", Enabled: true,
		Condition: models.AlertCondition{Type: models.ConditionKeyword, Terms: []string{"error"}}}
	source.Create(context.Background(), rule)

	entry := &models.LogEntry{ID: "e1", Source: models.SourceFile, SourceID: "api", Level: models.LevelError, Message: "fatal crash"}
	if got := engine.Evaluate(entry); len(got) != 0 {
		t.Fatalf("rule should not match yet, got %d events", len(got))
	}

	body := `{"name":"crashes","enabled":true,"condition":{"type":"keyword","terms":["crash"]}}`
	rec := do(t, router, http.MethodPut, "/alerts/r1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated models.AlertRule
	decodeData(t, rec, &updated)
	if updated.Name != "crashes" || updated.ID != "r1" {
		t.Errorf("unexpected rule %+v", updated)
	}
	if got := engine.Evaluate(entry); len(got) != 1 {
		t.Errorf("updated rule should apply immediately, got %d events", len(got))
	}

	if rec := do(t, router, http.MethodPut, "/alerts/r1", `{"id":"other","name":"x","condition":{"type":"keyword","terms":["a"]}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for mismatched id, got %d", rec.Code)
	}

	if rec := do(t, router, http.MethodDelete, "/alerts/r1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := engine.Rules(); len(got) != 1 {
		t.Fatalf("engine cache should still hold the rule until refresh, got %d", len(got))
	}
	engine.Evaluate(entry)
	if got := engine.Rules(); len(got) != 0 {
		t.Errorf("deleted rule should be gone after refresh, got %d", len(got))
	}
}

func TestToggleAndStats(t *testing.T) {
	router, source, _ := newTestRouter(t)
	source.Create(context.Background(), &models.AlertRule{ID: "r1", Name: "errors", Enabled: true,
		Condition: models.AlertCondition{Type: models.ConditionKeyword, Terms: []string{"error"}}})

	rec := do(t, router, http.MethodPost, "/alerts/r1/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rule models.AlertRule
	decodeData(t, rec, &rule)
	if rule.Enabled {
		t.Error("expected rule to be disabled")
	}

	rec = do(t, router, http.MethodGet, "/alerts/stats", "")
	var stats alerting.EngineStats
	decodeData(t, rec, &stats)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

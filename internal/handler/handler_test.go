package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/i18n"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/llm"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/pipeline"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/scenario"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/store"
)

const testCases = `[
  {
    "case_id": "perio_001",
    "name": "Periodontitis with cardiac history",
    "patient": {"age": 58, "chief_complaint": "Dis etlerimde kanama var."},
    "hidden_findings": ["pacemaker_present"],
    "rules": [
      {"action_key": "check_pacemaker", "score_delta": 25, "outcome": "pacemaker identified", "reveals": ["pacemaker_present"]}
    ]
  },
  {
    "case_id": "draft_case",
    "name": "Unfinished",
    "patient": {"age": 30, "chief_complaint": "test"},
    "rules": []
  }
]`

type fixedInterp struct{ action model.InterpretedAction }

func (f fixedInterp) Interpret(context.Context, string, llm.CaseContext) (*model.InterpretedAction, error) {
	a := f.action
	return &a, nil
}

type fixedPatient struct{}

func (fixedPatient) PatientReply(context.Context, string, llm.CaseContext) (string, error) {
	return "Evet doktor bey, kalp pilim var.", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cases.json")
	if err := os.WriteFile(path, []byte(testCases), 0o644); err != nil {
		t.Fatalf("write cases: %v", err)
	}
	lib, err := scenario.Load([]string{path})
	if err != nil {
		t.Fatalf("load cases: %v", err)
	}

	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := model.PipelineConfig{Lang: "en", PatientMode: true, ClinicalTimeout: time.Second}
	interp := fixedInterp{action: model.InterpretedAction{
		Intent: model.IntentAction, ActionKey: "check_pacemaker", ClinicalIntent: "diagnostic", Priority: "high",
	}}
	p := pipeline.New(s, lib, interp, nil, fixedPatient{}, cfg)

	h := New(s, lib, p, cfg)
	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestListCases(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/cases")
	if err != nil {
		t.Fatalf("GET /api/cases: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cases := decode[[]map[string]any](t, resp)
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}
	for _, c := range cases {
		if _, leaked := c["rules"]; leaked {
			t.Error("rules must not be exposed to students")
		}
		if _, leaked := c["hidden_findings"]; leaked {
			t.Error("hidden findings must not be exposed to students")
		}
	}
}

func TestTurnEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/turns", map[string]string{
		"student_id": "stu1", "case_id": "perio_001", "text": "Kalp pili var mı?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	result := decode[pipeline.TurnResult](t, resp)
	if result.CumulativeScore != 25 {
		t.Errorf("score = %d, want 25", result.CumulativeScore)
	}
	if result.SessionID == "" || !result.NewSession {
		t.Errorf("expected a new session, got %+v", result)
	}
	if result.Reply == "" {
		t.Error("expected a patient reply")
	}

	// The session view shows both records of the turn.
	viewResp, err := http.Get(srv.URL + "/api/sessions/" + result.SessionID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer viewResp.Body.Close()
	if viewResp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", viewResp.StatusCode)
	}
	view := decode[struct {
		Session model.Session             `json:"session"`
		Records []model.InteractionRecord `json:"records"`
	}](t, viewResp)
	if len(view.Records) != 2 {
		t.Errorf("expected 2 records, got %d", len(view.Records))
	}
	if view.Session.CumulativeScore != 25 {
		t.Errorf("session score = %d", view.Session.CumulativeScore)
	}
}

func TestTurnValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing text", map[string]string{"student_id": "stu1", "case_id": "perio_001"}, http.StatusBadRequest},
		{"missing student", map[string]string{"case_id": "perio_001", "text": "x"}, http.StatusBadRequest},
		{"unknown case", map[string]string{"student_id": "stu1", "case_id": "nope", "text": "x"}, http.StatusNotFound},
		{"unplayable case", map[string]string{"student_id": "stu1", "case_id": "draft_case", "text": "x"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/turns", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	turn := postJSON(t, srv.URL+"/api/turns", map[string]string{
		"student_id": "stu1", "case_id": "perio_001", "text": "Kalp pili?",
	})
	result := decode[pipeline.TurnResult](t, turn)

	resp := postJSON(t, srv.URL+"/api/sessions/"+result.SessionID+"/feedback", map[string]any{
		"rating": 4, "comment": "faydalı",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}

	bad := postJSON(t, srv.URL+"/api/sessions/"+result.SessionID+"/feedback", map[string]any{"rating": 0})
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid rating status = %d, want 400", bad.StatusCode)
	}

	missing := postJSON(t, srv.URL+"/api/sessions/does-not-exist/feedback", map[string]any{"rating": 3})
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", missing.StatusCode)
	}
}

func TestExportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/api/turns", map[string]string{
		"student_id": "stu1", "case_id": "perio_001", "text": "Kalp pili?",
	})

	resp, err := http.Get(srv.URL + "/api/export?study_id=pilot-2026&cohort=year4")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	export := decode[model.StudyExport](t, resp)
	if export.StudyID != "pilot-2026" || export.Cohort != "year4" {
		t.Errorf("study metadata lost: %+v", export)
	}
	if len(export.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(export.Sessions))
	}
	if len(export.Sessions[0].Turns) != 2 {
		t.Errorf("expected 2 turns, got %d", len(export.Sessions[0].Turns))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

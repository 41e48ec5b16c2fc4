package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/i18n"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/llm"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
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
      {"action_key": "check_pacemaker", "score_delta": 25, "outcome": "pacemaker identified", "reveals": ["pacemaker_present"]},
      {"action_key": "ask_allergies", "score_delta": 10, "outcome": "allergy history taken"},
      {"action_key": "order_vitamin_panel", "score_delta": 5, "outcome": "vitamin panel ordered", "repeatable": true}
    ]
  },
  {
    "case_id": "herpes_primary_01",
    "name": "Primary herpetic gingivostomatitis",
    "patient": {"age": 6, "chief_complaint": "Agzinda yaralar ve ates."},
    "rules": [
      {"action_key": "request_hsv_serology", "score_delta": 20, "outcome": "serology requested"}
    ]
  },
  {
    "case_id": "draft_case",
    "name": "Unfinished",
    "patient": {"age": 30, "chief_complaint": "test"},
    "rules": []
  }
]`

func testLibrary(t *testing.T) *scenario.Library {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cases.json")
	if err := os.WriteFile(path, []byte(testCases), 0o644); err != nil {
		t.Fatalf("write cases: %v", err)
	}
	lib, err := scenario.Load([]string{path})
	if err != nil {
		t.Fatalf("load cases: %v", err)
	}
	return lib
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	return i18n.WithLocalizer(context.Background(), i18n.NewLocalizer("en"))
}

type fakeInterp struct {
	action *model.InterpretedAction
	err    error
}

func (f *fakeInterp) Interpret(context.Context, string, llm.CaseContext) (*model.InterpretedAction, error) {
	if f.err != nil {
		return nil, f.err
	}
	a := *f.action
	return &a, nil
}

func actionFor(key string) *model.InterpretedAction {
	return &model.InterpretedAction{Intent: model.IntentAction, ActionKey: key, ClinicalIntent: "diagnostic", Priority: "medium"}
}

type fakeClinical struct {
	mu      sync.Mutex
	note    *model.ClinicalNote
	err     error
	release chan struct{} // when set, the call blocks until closed
	calls   int
}

func (f *fakeClinical) EvaluateClinically(ctx context.Context, _ string, _ llm.CaseContext) (*model.ClinicalNote, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.note, nil
}

func (f *fakeClinical) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClinical) setRelease(ch chan struct{}) {
	f.mu.Lock()
	f.release = ch
	f.mu.Unlock()
}

type fakePatient struct {
	reply string
	err   error
}

func (f *fakePatient) PatientReply(context.Context, string, llm.CaseContext) (string, error) {
	return f.reply, f.err
}

func newTestPipeline(t *testing.T, s *store.Store, interp Interpreter, clinical *fakeClinical) *Pipeline {
	t.Helper()
	cfg := model.PipelineConfig{
		Lang:            "en",
		PatientMode:     true,
		ClinicalEnabled: clinical != nil,
		ClinicalTimeout: time.Second,
	}
	var ce ClinicalEvaluator
	if clinical != nil {
		ce = clinical
	}
	return New(s, testLibrary(t), interp, ce, &fakePatient{reply: "Evet doktor bey."}, cfg)
}

func TestProcessActionScoresMatchedRule(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := newTestPipeline(t, s, &fakeInterp{action: actionFor("check_pacemaker")}, nil)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili var mı?")
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	if !res.NewSession {
		t.Error("first turn must open a new session")
	}
	if res.CumulativeScore != 25 {
		t.Errorf("score = %d, want 25", res.CumulativeScore)
	}
	if res.Assessment == nil || !res.Assessment.Matched {
		t.Fatalf("expected matched assessment, got %+v", res.Assessment)
	}
	if res.Reply != "Evet doktor bey." {
		t.Errorf("reply = %q", res.Reply)
	}

	records, err := s.GetRecords(res.SessionID)
	if err != nil {
		t.Fatalf("GetRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records per turn, got %d", len(records))
	}
	ev := records[0].Evaluation
	if ev == nil || ev.Interpretation == nil || ev.Interpretation.ActionKey != "check_pacemaker" {
		t.Errorf("student record missing interpretation: %+v", ev)
	}
	if ev.ScoreAfter != 25 {
		t.Errorf("ScoreAfter = %d, want 25", ev.ScoreAfter)
	}
}

func TestProcessActionNeutralDefault(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := newTestPipeline(t, s, &fakeInterp{action: actionFor("unspecified_action")}, nil)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Bir şey yapıyorum.")
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	if res.CumulativeScore != 0 {
		t.Errorf("unmatched action must score 0, got %d", res.CumulativeScore)
	}
	if res.Assessment.Matched {
		t.Error("unmatched action reported as matched")
	}
}

func TestScoreAccumulatesAndSuppressesRepeat(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	interp := &fakeInterp{action: actionFor("check_pacemaker")}
	p := newTestPipeline(t, s, interp, nil)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if res.CumulativeScore != 25 {
		t.Fatalf("after turn 1: %d", res.CumulativeScore)
	}

	interp.action = actionFor("ask_allergies")
	res, err = p.ProcessAction(ctx, "stu1", "perio_001", "Alerjiniz var mı?")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if res.CumulativeScore != 35 {
		t.Errorf("after turn 2: %d, want 35", res.CumulativeScore)
	}

	// Repeating a non-repeatable action scores nothing more.
	interp.action = actionFor("check_pacemaker")
	res, err = p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if res.CumulativeScore != 35 {
		t.Errorf("after repeat: %d, want 35", res.CumulativeScore)
	}
	if !res.Assessment.Suppressed {
		t.Error("repeat must be suppressed")
	}

	// A repeatable rule keeps scoring.
	interp.action = actionFor("order_vitamin_panel")
	for i := 0; i < 2; i++ {
		res, err = p.ProcessAction(ctx, "stu1", "perio_001", "Vitamin paneli.")
		if err != nil {
			t.Fatalf("vitamin turn %d: %v", i, err)
		}
	}
	if res.CumulativeScore != 45 {
		t.Errorf("after repeatable turns: %d, want 45", res.CumulativeScore)
	}
}

func TestCaseSwitchIsolatesSessions(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	interp := &fakeInterp{action: actionFor("check_pacemaker")}
	p := newTestPipeline(t, s, interp, nil)

	a1, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("case A: %v", err)
	}

	interp.action = actionFor("request_hsv_serology")
	b, err := p.ProcessAction(ctx, "stu1", "herpes_primary_01", "HSV serolojisi.")
	if err != nil {
		t.Fatalf("case B: %v", err)
	}
	if !b.NewSession || b.SessionID == a1.SessionID {
		t.Error("case switch must mint a new session")
	}
	if b.CumulativeScore != 20 {
		t.Errorf("case B starts fresh: score %d, want 20", b.CumulativeScore)
	}

	// Back to A: a third session, not the original one.
	interp.action = actionFor("ask_allergies")
	a2, err := p.ProcessAction(ctx, "stu1", "perio_001", "Alerji?")
	if err != nil {
		t.Fatalf("back to A: %v", err)
	}
	if !a2.NewSession || a2.SessionID == a1.SessionID || a2.SessionID == b.SessionID {
		t.Error("returning to a case must not resurrect the old session")
	}
	if a2.CumulativeScore != 10 {
		t.Errorf("returned session starts fresh: score %d, want 10", a2.CumulativeScore)
	}

	// The original session's records are untouched.
	old, err := s.GetSession(a1.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if old.CumulativeScore != 25 {
		t.Errorf("old session score changed: %d", old.CumulativeScore)
	}
}

func TestQuotaFallbackCarriesNotice(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	fb := actionFor("check_pacemaker")
	fb.Fallback = true
	p := newTestPipeline(t, s, &fakeInterp{action: fb}, nil)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "kalp pili")
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	if res.Notice == "" {
		t.Error("fallback interpretation must surface a notice")
	}
	if res.CumulativeScore != 25 {
		t.Errorf("fallback still scores: %d", res.CumulativeScore)
	}
}

func TestAdapterUnavailableStillLogsTurn(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := newTestPipeline(t, s, &fakeInterp{err: llm.ErrUnavailable}, nil)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("adapter failure must not fail the turn: %v", err)
	}
	if res.Notice == "" {
		t.Error("expected a user-safe notice")
	}
	if res.CumulativeScore != 0 {
		t.Errorf("no interpretation, no score: %d", res.CumulativeScore)
	}

	records, err := s.GetRecords(res.SessionID)
	if err != nil {
		t.Fatalf("GetRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("turn must still be recorded, got %d records", len(records))
	}
	if records[0].Evaluation.Interpretation != nil {
		t.Error("failed interpretation must be recorded as null")
	}
}

type failingStore struct{ Storage }

func (f failingStore) AppendTurn(model.InteractionRecord, model.InteractionRecord, int, model.SessionState) (int64, int64, int, error) {
	return 0, 0, 0, errors.New("disk full")
}

func TestStorageFailureAbortsTurn(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := New(failingStore{s}, testLibrary(t), &fakeInterp{action: actionFor("check_pacemaker")},
		nil, &fakePatient{reply: "ok"}, model.PipelineConfig{Lang: "en", PatientMode: true})

	if _, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?"); err == nil {
		t.Fatal("storage failure must abort the turn")
	}

	// Nothing committed: the session exists (resolved before the write)
	// but carries no records and no score.
	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, sess := range sessions {
		if sess.CumulativeScore != 0 {
			t.Errorf("aborted turn must not change scores: %+v", sess)
		}
		records, _ := s.GetRecords(sess.ID)
		if len(records) != 0 {
			t.Errorf("aborted turn must not leave records: %d", len(records))
		}
	}
}

func TestClinicalNoteAttachedAfterTurn(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	clinical := &fakeClinical{note: &model.ClinicalNote{IsAccurate: true, Feedback: "appropriate precaution"}}
	p := newTestPipeline(t, s, &fakeInterp{action: actionFor("check_pacemaker")}, clinical)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	p.Wait()

	records, _ := s.GetRecords(res.SessionID)
	got := records[0].Evaluation.Clinical
	if got.Status != model.ClinicalEvaluated {
		t.Fatalf("clinical status = %q, want evaluated", got.Status)
	}
	if got.Note == nil || got.Note.Feedback != "appropriate precaution" {
		t.Errorf("note not attached: %+v", got)
	}
}

func TestClinicalFailureMarkedNotSilent(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	clinical := &fakeClinical{err: errors.New("model overloaded")}
	p := newTestPipeline(t, s, &fakeInterp{action: actionFor("check_pacemaker")}, clinical)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("clinical failure must not fail the turn: %v", err)
	}
	p.Wait()

	records, _ := s.GetRecords(res.SessionID)
	if got := records[0].Evaluation.Clinical.Status; got != model.ClinicalFailed {
		t.Errorf("clinical status = %q, want failed", got)
	}
}

func TestLateClinicalResultDroppedAfterCaseSwitch(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	release := make(chan struct{})
	clinical := &fakeClinical{note: &model.ClinicalNote{IsAccurate: true}, release: release}
	interp := &fakeInterp{action: actionFor("check_pacemaker")}
	p := newTestPipeline(t, s, interp, clinical)

	a, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("case A: %v", err)
	}

	// The student switches cases while the evaluator is still running.
	clinical.setRelease(nil)
	interp.action = actionFor("request_hsv_serology")
	if _, err := p.ProcessAction(ctx, "stu1", "herpes_primary_01", "Seroloji."); err != nil {
		t.Fatalf("case B: %v", err)
	}

	close(release)
	p.Wait()

	records, _ := s.GetRecords(a.SessionID)
	if got := records[0].Evaluation.Clinical.Status; got == model.ClinicalEvaluated {
		t.Error("late evaluator result must not land on a superseded session")
	}
}

func TestChatTurnSkipsScoringAndClinical(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	chat := &model.InterpretedAction{Intent: model.IntentChat, ActionKey: "general_chat", Rationale: "Merhaba!"}
	clinical := &fakeClinical{note: &model.ClinicalNote{IsAccurate: true}}
	p := newTestPipeline(t, s, &fakeInterp{action: chat}, clinical)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Merhaba, nasılsınız?")
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	p.Wait()

	if res.CumulativeScore != 0 {
		t.Errorf("chat must not score: %d", res.CumulativeScore)
	}
	if clinical.callCount() != 0 {
		t.Errorf("chat must not trigger clinical evaluation, got %d calls", clinical.callCount())
	}
}

func TestPatientReplyDegradesToCannedLine(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := New(s, testLibrary(t), &fakeInterp{action: actionFor("check_pacemaker")},
		nil, &fakePatient{err: errors.New("timeout")},
		model.PipelineConfig{Lang: "en", PatientMode: true})

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("patient failure must not fail the turn: %v", err)
	}
	if res.Reply == "" {
		t.Error("expected a canned fallback reply")
	}
	if res.CumulativeScore != 25 {
		t.Errorf("scoring unaffected by reply failure: %d", res.CumulativeScore)
	}
}

func TestUnplayableCaseRejected(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := newTestPipeline(t, s, &fakeInterp{action: actionFor("x")}, nil)

	if _, err := p.ProcessAction(ctx, "stu1", "draft_case", "test"); !errors.Is(err, scenario.ErrNoRuleSet) {
		t.Errorf("expected ErrNoRuleSet, got %v", err)
	}
	if _, err := p.ProcessAction(ctx, "stu1", "no_such_case", "test"); !errors.Is(err, scenario.ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	ctx := testCtx(t)
	s := testStore(t)
	p := newTestPipeline(t, s, &fakeInterp{action: actionFor("check_pacemaker")}, nil)

	res, err := p.ProcessAction(ctx, "stu1", "perio_001", "Kalp pili?")
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}

	if _, err := p.SubmitFeedback(res.SessionID, 9, ""); !errors.Is(err, store.ErrInvalidRating) {
		t.Errorf("expected ErrInvalidRating, got %v", err)
	}
	id, err := p.SubmitFeedback(res.SessionID, 5, "çok faydalı")
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if id == 0 {
		t.Error("expected feedback ID")
	}
}

func TestDecideNewSession(t *testing.T) {
	prev := &model.ActiveContext{StudentID: "stu1", CaseID: "perio_001", SessionID: "s1"}
	tests := []struct {
		name      string
		prev      *model.ActiveContext
		studentID string
		caseID    string
		want      bool
	}{
		{"no previous context", nil, "stu1", "perio_001", true},
		{"same case reuses", prev, "stu1", "perio_001", false},
		{"different case", prev, "stu1", "herpes_primary_01", true},
		{"different student", prev, "stu2", "perio_001", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecideNewSession(tt.prev, tt.studentID, tt.caseID); got != tt.want {
				t.Errorf("DecideNewSession = %v, want %v", got, tt.want)
			}
		})
	}
}

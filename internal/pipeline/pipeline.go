// Package pipeline orchestrates one student turn end to end: session
// resolution, interpretation, deterministic scoring, the patient reply,
// persistence, and the concurrent clinical evaluation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/i18n"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/llm"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/rules"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/scenario"
)

// Interpreter maps raw student text to a structured action.
type Interpreter interface {
	Interpret(ctx context.Context, rawText string, cc llm.CaseContext) (*model.InterpretedAction, error)
}

// ClinicalEvaluator produces the advisory clinical note. It runs off the
// request path and its result never reaches the student.
type ClinicalEvaluator interface {
	EvaluateClinically(ctx context.Context, rawText string, cc llm.CaseContext) (*model.ClinicalNote, error)
}

// PatientResponder generates the in-character patient reply.
type PatientResponder interface {
	PatientReply(ctx context.Context, studentQuestion string, cc llm.CaseContext) (string, error)
}

// Storage is the persistence surface the pipeline needs.
type Storage interface {
	ResolveActiveSession(studentID, caseID string) (model.Session, bool, int64, error)
	GetSessionState(sessionID string) (model.SessionState, error)
	AppendTurn(studentRec, assistantRec model.InteractionRecord, delta int, state model.SessionState) (int64, int64, int, error)
	AttachClinicalNote(recordID int64, studentID string, generation int64, outcome model.ClinicalOutcome) error
	AppendFeedback(fb model.FeedbackRecord) (int64, error)
}

// TurnResult is what one processed turn returns to the caller.
type TurnResult struct {
	SessionID       string                   `json:"session_id"`
	NewSession      bool                     `json:"new_session"`
	Reply           string                   `json:"reply"`
	Notice          string                   `json:"notice,omitempty"`
	Interpretation  *model.InterpretedAction `json:"interpretation,omitempty"`
	Assessment      *model.Assessment        `json:"assessment,omitempty"`
	CumulativeScore int                      `json:"cumulative_score"`
}

type Pipeline struct {
	store    Storage
	library  *scenario.Library
	interp   Interpreter
	clinical ClinicalEvaluator
	patient  PatientResponder
	cfg      model.PipelineConfig

	wg sync.WaitGroup
}

func New(store Storage, library *scenario.Library, interp Interpreter, clinical ClinicalEvaluator, patient PatientResponder, cfg model.PipelineConfig) *Pipeline {
	return &Pipeline{
		store:    store,
		library:  library,
		interp:   interp,
		clinical: clinical,
		patient:  patient,
		cfg:      cfg,
	}
}

// Wait blocks until all in-flight clinical evaluations finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// DecideNewSession reports whether a turn for (studentID, caseID) needs a
// fresh session, given the previously remembered context. No previous
// context, a different student, or a different displayed case all mean a
// new session; returning to an earlier case after a switch also mints a
// new one, because the remembered context then points at the other case.
func DecideNewSession(prev *model.ActiveContext, studentID, caseID string) bool {
	if prev == nil || prev.StudentID != studentID {
		return true
	}
	return prev.CaseID != caseID
}

// ProcessAction runs one student turn against the displayed case.
//
// Interpretation failures do not lose the turn: the raw text is still
// recorded with a null interpretation and a user-safe notice. A storage
// failure aborts the turn and commits nothing.
func (p *Pipeline) ProcessAction(ctx context.Context, studentID, caseID, rawText string) (*TurnResult, error) {
	c, err := p.library.GetPlayable(caseID)
	if err != nil {
		return nil, err
	}

	sess, isNew, gen, err := p.store.ResolveActiveSession(studentID, caseID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	state := model.SessionState{}
	if !isNew {
		state, err = p.store.GetSessionState(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("load session state: %w", err)
		}
	}
	cc := llm.CaseContext{Case: c, State: state}

	action, err := p.interp.Interpret(ctx, rawText, cc)
	if err != nil {
		if !errors.Is(err, llm.ErrUnavailable) {
			return nil, err
		}
		// The adapter is down. Log the turn anyway with a null
		// interpretation so the transcript stays complete.
		slog.Error("interpretation adapter unavailable", "student", studentID, "case", caseID, "error", err)
		notice := i18n.T(ctx, "AdapterUnavailableNotice")
		result, _, cerr := p.commitTurn(sess, isNew, rawText, nil, nil, state, notice, notice)
		return result, cerr
	}

	notice := ""
	if action.Fallback {
		notice = i18n.T(ctx, "QuotaFallbackNotice")
	}

	assessment := rules.Evaluate(c, *action, state)
	nextState := rules.Apply(state, assessment)

	reply := p.buildReply(ctx, rawText, action, assessment, cc)

	result, recID, err := p.commitTurn(sess, isNew, rawText, action, &assessment, nextState, reply, notice)
	if err != nil {
		return nil, err
	}

	if p.cfg.ClinicalEnabled && action.Intent == model.IntentAction {
		p.evaluateClinicalAsync(studentID, gen, recID, rawText, llm.CaseContext{Case: c, State: nextState})
	}
	return result, nil
}

// commitTurn persists both records of a turn and returns the result. The
// clinical status starts as "not attempted"; the evaluator rewrites it.
func (p *Pipeline) commitTurn(sess model.Session, isNew bool, rawText string,
	action *model.InterpretedAction, assessment *model.Assessment, nextState model.SessionState,
	reply, notice string) (*TurnResult, int64, error) {

	delta := 0
	if assessment != nil {
		delta = assessment.ScoreDelta
	}
	studentRec := model.InteractionRecord{
		SessionID: sess.ID,
		Role:      model.RoleStudent,
		Content:   rawText,
		Evaluation: &model.EvaluationPayload{
			CaseID:         sess.CaseID,
			Interpretation: action,
			Assessment:     assessment,
			Clinical:       model.ClinicalOutcome{Status: model.ClinicalNotAttempted},
		},
	}
	assistantRec := model.InteractionRecord{
		SessionID: sess.ID,
		Role:      model.RoleAssistant,
		Content:   reply,
	}

	recID, _, total, err := p.store.AppendTurn(studentRec, assistantRec, delta, nextState)
	if err != nil {
		return nil, 0, fmt.Errorf("persist turn: %w", err)
	}

	return &TurnResult{
		SessionID:       sess.ID,
		NewSession:      isNew,
		Reply:           reply,
		Notice:          notice,
		Interpretation:  action,
		Assessment:      assessment,
		CumulativeScore: total,
	}, recID, nil
}

// buildReply produces the assistant message shown to the student: the
// roleplayed patient in patient mode, a short tutor acknowledgement
// otherwise. A patient-model failure degrades to a canned line rather
// than failing the turn.
func (p *Pipeline) buildReply(ctx context.Context, rawText string, action *model.InterpretedAction, assessment model.Assessment, cc llm.CaseContext) string {
	if p.cfg.PatientMode && p.patient != nil {
		reply, err := p.patient.PatientReply(ctx, rawText, cc)
		if err != nil {
			slog.Warn("patient reply failed", "case", cc.Case.ID, "error", err)
			return i18n.T(ctx, "PatientFallbackReply")
		}
		return reply
	}
	if action.Intent == model.IntentChat {
		if action.Rationale != "" {
			return action.Rationale
		}
		return i18n.T(ctx, "PatientFallbackReply")
	}
	return i18n.Td(ctx, "TutorAcknowledgement", map[string]any{"Outcome": assessment.Outcome})
}

// evaluateClinicalAsync dispatches the secondary evaluator off the
// request path. The caller's turn has already returned; a late result is
// attached only while the session is still the student's active one at
// the same generation, so the evaluator cannot write into a session the
// student has since left.
func (p *Pipeline) evaluateClinicalAsync(studentID string, gen int64, recordID int64, rawText string, cc llm.CaseContext) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ClinicalTimeout)
		defer cancel()

		outcome := model.ClinicalOutcome{Status: model.ClinicalFailed}
		note, err := p.clinical.EvaluateClinically(ctx, rawText, cc)
		if err != nil {
			slog.Warn("clinical evaluation failed", "case", cc.Case.ID, "record", recordID, "error", err)
		} else {
			outcome = model.ClinicalOutcome{Status: model.ClinicalEvaluated, Note: note}
		}

		if err := p.store.AttachClinicalNote(recordID, studentID, gen, outcome); err != nil {
			// A superseded session is routine after a case switch; the
			// late result is discarded, not an error.
			slog.Info("clinical note dropped", "record", recordID, "error", err)
		}
	}()
}

// SubmitFeedback records an end-of-session satisfaction entry.
func (p *Pipeline) SubmitFeedback(sessionID string, rating int, comment string) (int64, error) {
	return p.store.AppendFeedback(model.FeedbackRecord{
		SessionID: sessionID,
		Rating:    rating,
		Comment:   comment,
	})
}

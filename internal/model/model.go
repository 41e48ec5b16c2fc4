package model

import "time"

// Role represents a chat message role in an interaction record.
type Role string

const (
	RoleStudent       Role = "student"
	RoleAssistant     Role = "assistant"
	RoleEvaluatorNote Role = "evaluator-note"
)

// IntentType classifies a student turn as casual conversation or a clinical action.
type IntentType string

const (
	IntentChat   IntentType = "CHAT"
	IntentAction IntentType = "ACTION"
)

// ClinicalStatus tells whether the secondary clinical evaluator produced a note.
type ClinicalStatus string

const (
	// ClinicalEvaluated means the evaluator ran and its note is attached.
	ClinicalEvaluated ClinicalStatus = "evaluated"
	// ClinicalFailed means the evaluator was attempted but errored or timed out.
	ClinicalFailed ClinicalStatus = "failed"
	// ClinicalNotAttempted means the evaluator was disabled or not configured.
	ClinicalNotAttempted ClinicalStatus = "not_attempted"
)

// Session represents one continuous assessment attempt by one student on one case.
// CaseID never changes after creation; switching cases mints a new session.
type Session struct {
	ID              string    `json:"id"`
	StudentID       string    `json:"student_id"`
	CaseID          string    `json:"case_id"`
	CumulativeScore int       `json:"cumulative_score"`
	Generation      int64     `json:"generation"`
	CreatedAt       time.Time `json:"created_at"`
}

// ActiveContext is the previously remembered active session for a student.
// It is passed explicitly into session resolution, never read from ambient state.
type ActiveContext struct {
	StudentID  string `json:"student_id"`
	CaseID     string `json:"case_id"`
	SessionID  string `json:"session_id"`
	Generation int64  `json:"generation"`
}

// InterpretedAction is the structured form of a raw student turn.
type InterpretedAction struct {
	Intent         IntentType `json:"intent_type"`
	ActionKey      string     `json:"interpreted_action"`
	Confidence     float64    `json:"confidence"`
	ClinicalIntent string     `json:"clinical_intent"`
	Priority       string     `json:"priority"`
	SafetyConcerns []string   `json:"safety_concerns,omitempty"`
	Rationale      string     `json:"explanatory_feedback"`
	Fallback       bool       `json:"fallback,omitempty"`
}

// Assessment is the rule engine's verdict for one interpreted action.
type Assessment struct {
	Matched    bool     `json:"matched"`
	ActionKey  string   `json:"action_key"`
	ScoreDelta int      `json:"score_delta"`
	Outcome    string   `json:"outcome"`
	Reveals    []string `json:"reveals,omitempty"`
	// Suppressed is set when a non-repeatable rule had already fired this session.
	Suppressed bool `json:"suppressed,omitempty"`
}

// ClinicalNote is the advisory result of the secondary clinical evaluator.
// It is never shown to the student and never alters the primary score.
type ClinicalNote struct {
	IsAccurate      bool     `json:"is_clinically_accurate"`
	SafetyViolation bool     `json:"safety_violation"`
	MissingInfo     []string `json:"missing_critical_info,omitempty"`
	Feedback        string   `json:"feedback"`
}

// ClinicalOutcome pairs a status marker with the note, so analytics can
// distinguish "no evaluation attempted" from "evaluated, no issue".
type ClinicalOutcome struct {
	Status ClinicalStatus `json:"status"`
	Note   *ClinicalNote  `json:"note,omitempty"`
}

// EvaluationPayload is the typed evaluation data attached to a student record.
type EvaluationPayload struct {
	CaseID         string             `json:"case_id"`
	Interpretation *InterpretedAction `json:"interpretation,omitempty"`
	Assessment     *Assessment        `json:"assessment,omitempty"`
	Clinical       ClinicalOutcome    `json:"clinical"`
	ScoreAfter     int                `json:"cumulative_score_after"`
}

// InteractionRecord is one immutable logged turn with its evaluation payload.
type InteractionRecord struct {
	ID         int64              `json:"id"`
	SessionID  string             `json:"session_id"`
	Role       Role               `json:"role"`
	Content    string             `json:"content"`
	Evaluation *EvaluationPayload `json:"evaluation,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// FeedbackRecord is an end-of-session student satisfaction entry.
type FeedbackRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Rule maps a target action key to a score delta, an outcome description,
// and the hidden findings the action reveals. Rules are evaluated in the
// order they appear in the case file. Repeatable controls whether a rule
// may score again when the student repeats the action.
type Rule struct {
	ActionKey  string   `json:"action_key"`
	ScoreDelta int      `json:"score_delta"`
	Outcome    string   `json:"outcome"`
	Reveals    []string `json:"reveals,omitempty"`
	Repeatable bool     `json:"repeatable,omitempty"`
}

// Patient holds the case's patient profile used for persona construction.
type Patient struct {
	Age            int      `json:"age"`
	Gender         string   `json:"gender,omitempty"`
	ChiefComplaint string   `json:"chief_complaint"`
	MedicalHistory []string `json:"medical_history,omitempty"`
	Medications    []string `json:"medications,omitempty"`
	SocialHistory  []string `json:"social_history,omitempty"`
}

// Case is one clinical scenario: patient profile, hidden findings the student
// can uncover, and the ordered rule set that scores their actions.
type Case struct {
	ID             string   `json:"case_id"`
	Name           string   `json:"name"`
	Category       string   `json:"category,omitempty"`
	Patient        Patient  `json:"patient"`
	HiddenFindings []string `json:"hidden_findings,omitempty"`
	Rules          []Rule   `json:"rules"`
}

// SessionState is the mutable per-session scenario state the rule engine
// reads: which findings are revealed and which rules already fired.
type SessionState struct {
	RevealedFindings []string `json:"revealed_findings,omitempty"`
	FiredActions     []string `json:"fired_actions,omitempty"`
}

// HasFired reports whether a rule for the given action key already fired.
func (s SessionState) HasFired(actionKey string) bool {
	for _, a := range s.FiredActions {
		if a == actionKey {
			return true
		}
	}
	return false
}

// HasRevealed reports whether a finding is already revealed.
func (s SessionState) HasRevealed(finding string) bool {
	for _, f := range s.RevealedFindings {
		if f == finding {
			return true
		}
	}
	return false
}

// PipelineConfig holds runtime pipeline parameters set via CLI flags.
type PipelineConfig struct {
	Lang            string        // language for student-facing messages (en, tr)
	PatientMode     bool          // assistant replies roleplay the patient
	ClinicalEnabled bool          // run the secondary clinical evaluator
	ClinicalTimeout time.Duration // bounded wait for the secondary evaluator
}

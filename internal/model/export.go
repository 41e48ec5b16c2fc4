package model

import "time"

// StudyExport is the top-level JSON structure for session result export.
type StudyExport struct {
	StudyID  string          `json:"study_id"`
	Cohort   string          `json:"cohort,omitempty"`
	Date     string          `json:"date"`
	Sessions []SessionResult `json:"sessions"`
}

// SessionResult holds one session's data for export.
type SessionResult struct {
	SessionID       string           `json:"session_id"`
	StudentID       string           `json:"student_id"`
	CaseID          string           `json:"case_id"`
	CumulativeScore int              `json:"cumulative_score"`
	CreatedAt       time.Time        `json:"created_at"`
	Turns           []TurnExport     `json:"turns"`
	Feedback        []FeedbackRecord `json:"feedback,omitempty"`
}

// TurnExport is the stable, queryable record shape produced for the
// export/analytics layer. ClinicalStatus carries the absence marker when
// no clinical note exists.
type TurnExport struct {
	Role              Role           `json:"role"`
	Content           string         `json:"content"`
	InterpretedAction string         `json:"interpreted_action,omitempty"`
	Intent            IntentType     `json:"intent,omitempty"`
	ScoreDelta        int            `json:"score_delta"`
	ScoreAfter        int            `json:"cumulative_score_after"`
	ClinicalStatus    ClinicalStatus `json:"clinical_status,omitempty"`
	ClinicalNote      *ClinicalNote  `json:"clinical_note,omitempty"`
	At                time.Time      `json:"at"`
}

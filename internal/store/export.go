package store

import (
	"fmt"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
)

// ExportAllSessions builds export-ready session results for the
// analytics layer. Every turn carries the evaluation fields flat, so
// tabular export needs no re-derivation of scoring semantics.
func (s *Store) ExportAllSessions() ([]model.SessionResult, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var results []model.SessionResult
	for _, sess := range sessions {
		records, err := s.GetRecords(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get records for session %s: %w", sess.ID, err)
		}
		feedback, err := s.GetFeedback(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get feedback for session %s: %w", sess.ID, err)
		}

		var turns []model.TurnExport
		for _, rec := range records {
			t := model.TurnExport{
				Role:    rec.Role,
				Content: rec.Content,
				At:      rec.CreatedAt,
			}
			if ev := rec.Evaluation; ev != nil {
				if ev.Interpretation != nil {
					t.InterpretedAction = ev.Interpretation.ActionKey
					t.Intent = ev.Interpretation.Intent
				}
				if ev.Assessment != nil {
					t.ScoreDelta = ev.Assessment.ScoreDelta
				}
				t.ScoreAfter = ev.ScoreAfter
				t.ClinicalStatus = ev.Clinical.Status
				t.ClinicalNote = ev.Clinical.Note
			}
			turns = append(turns, t)
		}

		results = append(results, model.SessionResult{
			SessionID:       sess.ID,
			StudentID:       sess.StudentID,
			CaseID:          sess.CaseID,
			CumulativeScore: sess.CumulativeScore,
			CreatedAt:       sess.CreatedAt,
			Turns:           turns,
			Feedback:        feedback,
		})
	}
	return results, nil
}

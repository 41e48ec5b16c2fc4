// Package rules implements deterministic scoring of interpreted student
// actions against a case's ordered rule set.
package rules

import "github.com/MustafaEmreBiyik/DentistryProject/internal/model"

const (
	// OutcomeNoMatch is returned when no rule targets the action key.
	// Unmatched actions are expected free-form conversation and score neutrally.
	OutcomeNoMatch = "no specific rule matched"
	// OutcomeAlreadyPerformed is returned when a non-repeatable rule
	// already fired earlier in the session.
	OutcomeAlreadyPerformed = "action already performed this session"
)

// Evaluate scores one interpreted action against the case's rule set.
// It is a pure function of (rules, actionKey, prior): no hidden state,
// identical arguments always produce an identical assessment.
//
// The first rule (in configured order) whose action key equals the
// interpreted key wins. A non-repeatable rule that already fired is
// suppressed with a zero delta so a finding cannot be scored twice.
func Evaluate(c model.Case, action model.InterpretedAction, prior model.SessionState) model.Assessment {
	key := action.ActionKey
	if action.Intent == model.IntentChat || key == "" {
		return model.Assessment{
			ActionKey: key,
			Outcome:   OutcomeNoMatch,
		}
	}

	for _, r := range c.Rules {
		if r.ActionKey != key {
			continue
		}
		if !r.Repeatable && prior.HasFired(key) {
			return model.Assessment{
				Matched:    true,
				ActionKey:  key,
				ScoreDelta: 0,
				Outcome:    OutcomeAlreadyPerformed,
				Suppressed: true,
			}
		}
		return model.Assessment{
			Matched:    true,
			ActionKey:  key,
			ScoreDelta: r.ScoreDelta,
			Outcome:    r.Outcome,
			Reveals:    newReveals(r.Reveals, prior),
		}
	}

	return model.Assessment{
		ActionKey: key,
		Outcome:   OutcomeNoMatch,
	}
}

// Apply folds an assessment into the session state, returning the next
// state. The input state is not mutated.
func Apply(prior model.SessionState, a model.Assessment) model.SessionState {
	next := model.SessionState{
		RevealedFindings: append([]string(nil), prior.RevealedFindings...),
		FiredActions:     append([]string(nil), prior.FiredActions...),
	}
	if !a.Matched || a.Suppressed {
		return next
	}
	if !next.HasFired(a.ActionKey) {
		next.FiredActions = append(next.FiredActions, a.ActionKey)
	}
	for _, f := range a.Reveals {
		if !next.HasRevealed(f) {
			next.RevealedFindings = append(next.RevealedFindings, f)
		}
	}
	return next
}

// newReveals filters out findings the prior state already revealed.
func newReveals(reveals []string, prior model.SessionState) []string {
	var out []string
	for _, f := range reveals {
		if !prior.HasRevealed(f) {
			out = append(out, f)
		}
	}
	return out
}

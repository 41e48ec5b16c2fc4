package llm

import (
	"fmt"
	"strings"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/llm/prompts"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
)

// keywordActions maps Turkish clinical keywords to action keys. Used only
// when the interpretation service reports quota exhaustion; keeps the
// pipeline usable without the external model. Order matters: more
// specific phrases come before their substrings.
var keywordActions = []struct {
	keyword string
	action  string
}{
	// Vital signs
	{"ateş", "check_vital_signs"},
	{"vital", "check_vital_signs"},

	// Examinations
	{"ekstraoral", "perform_extraoral_exam"},
	{"muayene", "perform_oral_exam"},

	// Tests
	{"paterji", "perform_pathergy_test"},
	{"seroloji", "request_serology_tests"},
	{"kan testi", "request_serology_tests"},
	{"vdrl", "request_serology_tests"},
	{"tpha", "request_serology_tests"},
	{"biyopsi", "request_biopsy_he"},

	// History taking
	{"sistemik", "ask_systemic_symptoms"},
	{"tıbbi geçmiş", "gather_medical_history"},
	{"kalp pili", "check_pacemaker"},
	{"pacemaker", "check_pacemaker"},
	{"alerji", "check_allergies_meds"},
	{"ilaç", "check_allergies_meds"},

	// Treatment
	{"antibiyotik", "prescribe_antibiotics"},
	{"destekleyici tedavi", "prescribe_palliative_care"},
	{"palyatif", "prescribe_palliative_care"},

	// Diagnosis
	{"herpes", "diagnose_herpetic_gingivostomatitis"},
	{"behçet", "diagnose_behcet_disease"},
	{"sifiliz", "diagnose_secondary_syphilis"},
}

// clinicalVerbs distinguish clinical steps from casual conversation in
// fallback mode.
var clinicalVerbs = []string{"yap", "ölç", "sorgula", "başlat", "test", "muayene", "tanı", "reçete", "iste"}

// FallbackInterpret is the deterministic keyword-based interpretation
// used when the LLM quota is exhausted. Identical input always yields an
// identical interpretation.
func FallbackInterpret(rawText string) *model.InterpretedAction {
	lower := strings.ToLower(rawText)

	matched := prompts.ActionUnspecified
	for _, ka := range keywordActions {
		if strings.Contains(lower, ka.keyword) {
			matched = ka.action
			break
		}
	}

	clinical := matched != prompts.ActionUnspecified
	if !clinical {
		for _, v := range clinicalVerbs {
			if strings.Contains(lower, v) {
				clinical = true
				break
			}
		}
	}

	if !clinical {
		return &model.InterpretedAction{
			Intent:         model.IntentChat,
			ActionKey:      prompts.ActionGeneralChat,
			Confidence:     0.3,
			ClinicalIntent: "other",
			Priority:       "low",
			Rationale:      "Sohbet modu. Klinik eylemlere odaklanın.",
			Fallback:       true,
		}
	}
	confidence := 0.4
	if matched != prompts.ActionUnspecified {
		confidence = 0.6
	}
	return &model.InterpretedAction{
		Intent:         model.IntentAction,
		ActionKey:      matched,
		Confidence:     confidence,
		ClinicalIntent: "diagnosis_gathering",
		Priority:       "medium",
		Rationale:      fmt.Sprintf("Eylem yorumlandı: %s", strings.ReplaceAll(matched, "_", " ")),
		Fallback:       true,
	}
}

// Package prompts builds the system and user prompts for the
// interpretation, clinical evaluation, and patient roleplay calls.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
)

// GenericActionKeys are always valid regardless of the case's rule set.
const (
	ActionUnspecified = "unspecified_action"
	ActionGeneralChat = "general_chat"
)

// InterpreterContext is the partial scenario state included in the
// interpretation prompt to disambiguate intent.
type InterpreterContext struct {
	CaseID           string   `json:"case_id"`
	PatientAge       int      `json:"patient_age"`
	ChiefComplaint   string   `json:"chief_complaint"`
	RevealedFindings []string `json:"revealed_findings"`
}

// BuildInterpreterSystem builds the system instruction for mapping raw
// student text to a normalized action key. The key vocabulary is the
// case's rule set plus the generic keys, so the model cannot invent keys
// the engine does not know.
func BuildInterpreterSystem(actionKeys []string) string {
	keys := append(append([]string(nil), actionKeys...), ActionUnspecified)

	var sb strings.Builder
	sb.WriteString("You are a dental education assistant interpreting student actions in a simulated clinical scenario.\n")
	sb.WriteString("Your job:\n")
	sb.WriteString("1) Classify the input as CHAT (casual conversation) or ACTION (clinical step).\n")
	sb.WriteString("2) Interpret the raw text into a normalized snake_case action key scorable by a rule engine.\n")
	sb.WriteString("3) Identify the clinical intent category.\n")
	sb.WriteString("4) Flag safety concerns if present.\n")
	sb.WriteString("5) Provide a short, neutral explanation for the student (max 3 sentences), in TURKISH.\n")
	sb.WriteString("Internal keys stay in English; only explanatory_feedback is Turkish.\n\n")
	sb.WriteString("Respond with ONLY a JSON object, no markdown, no code fences:\n")
	sb.WriteString(`{"intent_type": "CHAT or ACTION", "interpreted_action": "snake_case key", "confidence": 0.0-1.0, "clinical_intent": "history_taking|diagnosis_gathering|treatment_planning|patient_education|infection_control|radiography|anesthesia|follow_up|other", "priority": "high|medium|low", "safety_concerns": [], "explanatory_feedback": "..."}`)
	sb.WriteString("\n\nUSE ONLY THE FOLLOWING ACTION KEYS: ")
	sb.WriteString(strings.Join(keys, ", "))
	sb.WriteString(fmt.Sprintf(".\nIf none fit, use %q. For greetings and questions use intent_type CHAT with %q.\n", ActionUnspecified, ActionGeneralChat))
	sb.WriteString("Prefer conservative, safety-first interpretations. Use the scenario state to disambiguate intent.\n")
	return sb.String()
}

// BuildInterpreterUser builds the per-turn user prompt.
func BuildInterpreterUser(rawText string, ic InterpreterContext) string {
	snippet, _ := json.Marshal(ic)
	var sb strings.Builder
	sb.WriteString("Student action:\n")
	sb.WriteString(rawText)
	sb.WriteString("\n\nScenario state (partial):\n")
	sb.Write(snippet)
	sb.WriteString("\n\nReturn STRICT JSON ONLY following the required schema.\n")
	return sb.String()
}

// BuildClinicalSystem builds the system instruction for the silent
// clinical-accuracy check. Its output is advisory only.
func BuildClinicalSystem() string {
	var sb strings.Builder
	sb.WriteString("You are a clinical accuracy reviewer for dental education. ")
	sb.WriteString("Assess whether the student's action is clinically sound for the given patient. ")
	sb.WriteString("Your assessment is for analytics only and is never shown to the student.\n\n")
	sb.WriteString("Respond with ONLY a JSON object:\n")
	sb.WriteString(`{"is_clinically_accurate": true/false, "safety_violation": true/false, "missing_critical_info": ["..."], "feedback": "brief professional note"}`)
	sb.WriteString("\n")
	return sb.String()
}

// BuildClinicalUser builds the per-turn clinical review prompt.
func BuildClinicalUser(rawText string, c model.Case, state model.SessionState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Patient: %d years old. Chief complaint: %s.\n", c.Patient.Age, c.Patient.ChiefComplaint)
	if len(state.RevealedFindings) > 0 {
		fmt.Fprintf(&sb, "Findings so far: %s.\n", strings.Join(state.RevealedFindings, ", "))
	}
	if len(c.Patient.MedicalHistory) > 0 {
		fmt.Fprintf(&sb, "Medical history: %s.\n", strings.Join(c.Patient.MedicalHistory, ", "))
	}
	sb.WriteString("\nStudent action:\n")
	sb.WriteString(rawText)
	sb.WriteString("\n")
	return sb.String()
}

// BuildPatientPrompt builds the roleplay prompt for the patient reply.
func BuildPatientPrompt(persona, studentQuestion string) string {
	var sb strings.Builder
	sb.WriteString(persona)
	sb.WriteString("\n\nOGRENCI DOKTOR SORUSU:\n")
	fmt.Fprintf(&sb, "%q\n\n", studentQuestion)
	sb.WriteString("HASTA OLARAK YANIT VER (Kisa, dogal, Turkce):")
	return sb.String()
}

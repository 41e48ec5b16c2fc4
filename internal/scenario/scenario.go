// Package scenario loads case files and serves them as read-only
// configuration: rule sets, patient personas, and hidden findings.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
)

var (
	// ErrCaseNotFound is returned when no loaded case matches the ID.
	ErrCaseNotFound = errors.New("case not found")
	// ErrNoRuleSet is returned for a case configured without rules.
	// This is a setup error, surfaced at session start rather than per turn.
	ErrNoRuleSet = errors.New("case has no rule set")
)

// Library holds all loaded cases, keyed by case ID.
type Library struct {
	cases     []model.Case
	byID      map[string]model.Case
	defaultID string
}

// caseFile accepts either a top-level list of cases or {"cases": [...]}.
type caseFile struct {
	Cases []model.Case `json:"cases"`
}

// Load reads case JSON files. Later files can add cases but not redefine
// an already-loaded case ID.
func Load(paths []string) (*Library, error) {
	lib := &Library{byID: make(map[string]model.Case)}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		cases, err := parseCases(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, c := range cases {
			if c.ID == "" {
				return nil, fmt.Errorf("%s: case with empty case_id", path)
			}
			if _, dup := lib.byID[c.ID]; dup {
				return nil, fmt.Errorf("%s: duplicate case %q", path, c.ID)
			}
			lib.byID[c.ID] = c
			lib.cases = append(lib.cases, c)
		}
	}
	if len(lib.cases) > 0 {
		lib.defaultID = lib.cases[0].ID
	}
	return lib, nil
}

func parseCases(data []byte) ([]model.Case, error) {
	var list []model.Case
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped caseFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Cases == nil {
		return nil, errors.New("expected a list of cases or an object with a \"cases\" list")
	}
	return wrapped.Cases, nil
}

// Get returns the case for the given ID.
func (l *Library) Get(caseID string) (model.Case, error) {
	c, ok := l.byID[caseID]
	if !ok {
		return model.Case{}, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	return c, nil
}

// GetPlayable returns the case only if it is fully configured for the
// assessment pipeline (it has a rule set).
func (l *Library) GetPlayable(caseID string) (model.Case, error) {
	c, err := l.Get(caseID)
	if err != nil {
		return model.Case{}, err
	}
	if len(c.Rules) == 0 {
		return model.Case{}, fmt.Errorf("%w: %s", ErrNoRuleSet, caseID)
	}
	return c, nil
}

// List returns all loaded cases in load order.
func (l *Library) List() []model.Case {
	return l.cases
}

// DefaultCaseID returns the first loaded case's ID, or empty if none.
func (l *Library) DefaultCaseID() string {
	return l.defaultID
}

// ActionKeys returns the union of action keys the case's rules know,
// in rule order. The interpreter prompt is restricted to these plus the
// generic keys.
func ActionKeys(c model.Case) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range c.Rules {
		if !seen[r.ActionKey] {
			seen[r.ActionKey] = true
			keys = append(keys, r.ActionKey)
		}
	}
	return keys
}

// Persona builds the first-person patient roleplay instruction for a case.
// Student-facing patient replies are Turkish, so the persona is too.
func Persona(c model.Case) string {
	p := c.Patient
	var sb strings.Builder
	sb.WriteString("SEN BIR HASTA ROLUNDE OYNUYORSUN (ROLEPLAY):\n\n")
	sb.WriteString("[KIMLIGIN]\n")
	fmt.Fprintf(&sb, "- Yas: %d yasindasin\n", p.Age)
	if p.Gender != "" {
		fmt.Fprintf(&sb, "- Cinsiyet: %s\n", p.Gender)
	}
	fmt.Fprintf(&sb, "- Ana Sikayetin: %q\n\n", p.ChiefComplaint)

	sb.WriteString("[TIBBI GECMISIN]\n")
	writeItems(&sb, p.MedicalHistory, "- Ozel bir hastaligim yok")
	sb.WriteString("\n[ILACLAR]\n")
	writeItems(&sb, p.Medications, "- Duzenli ilac kullanmiyorsun")
	sb.WriteString("\n[SOSYAL GECMIS]\n")
	writeItems(&sb, p.SocialHistory, "- Ozel bir aliskanlik yok")

	sb.WriteString(`
[ROLUNU OYNAMA KURALLARI]
1. SEN HASTAYSIN - Dis hekimi ogrencisi sana soru soracak, sen hasta gibi yanit vereceksin
2. DOGAL KONUS - Tibbi terimler kullanma, siradan bir hasta gibi konus
3. TANINI ACIKLAMA - Hastaligin adini soyleme, sadece belirtileri anlat
4. KISA VE SAMIMI OL - Gercek hastalar uzun konusmaz, dogal ve ozlu yanitlar ver
5. TURKCE KONUS - Tum yanitlarin Turkce olmali
6. BILMEDIGINI SOYLE - Teknik bir sey sorulursa "Bilmiyorum hocam" de
7. ACI VARSA BELIRT - Agrin varsa dogal sekilde ifade et

SIMDI HASTA ROLUNE GIR ve ogrenci doktorun sorularini yanitla.`)
	return sb.String()
}

func writeItems(sb *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		sb.WriteString(empty + "\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

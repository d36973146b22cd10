// Package prompt renders the persona system prompt, the hand-off briefing and the
// single-shot prompts (image analysis, live video observation, summary).
// Rendering is deterministic and never calls the model.
package prompt

import (
	"bytes"
	"embed"
	"strings"
	"text/template"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/conversation"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	// Unspecified replaces missing profile fields.
	Unspecified = "non précisé"
	// NothingToReport is the reply the observation prompt asks for when a frame shows nothing useful.
	NothingToReport = "RAS"
)

// Input describes one persona prompt.
type Input struct {
	Specialist string
	Profile    accounts.Profile
	// Handoff adds the briefing for a persona taking over a conversation.
	Handoff bool
	// From is the persona handing off; the default persona when empty.
	From  string
	Turns []conversation.Message
}

type personaData struct {
	Specialist     *catalog.Specialist
	Age            string
	Sex            string
	Country        string
	Language       string
	Handoff        bool
	From           *catalog.Specialist
	PatientHistory string
	LastReply      string
	Triage         []*catalog.Specialist
}

type Composer struct {
	catalog *catalog.Catalog
	tmpl    *template.Template
}

func NewComposer(c *catalog.Catalog) (*Composer, error) {
	if c == nil {
		return nil, errors.New("prompt: catalog is nil")
	}
	tmpl, err := template.New("prompts").Funcs(template.FuncMap{
		"join":    strings.Join,
		"upper":   strings.ToUpper,
		"speaker": speaker,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "prompt: parse templates")
	}
	return &Composer{catalog: c, tmpl: tmpl}, nil
}

func orUnspecified(v string) string {
	if strings.TrimSpace(v) == "" {
		return Unspecified
	}
	return v
}

func speaker(m conversation.Message) string {
	if m.Role == conversation.RolePatient {
		return "Patient"
	}
	return "Médecin"
}

func (c *Composer) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", errors.Wrapf(err, "prompt: render %s", name)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Composer) specialist(id string) (*catalog.Specialist, error) {
	s, ok := c.catalog.Specialist(id)
	if !ok {
		return nil, errors.Errorf("prompt: unknown specialist %q", id)
	}
	return s, nil
}

// Persona renders the system prompt for in.Specialist.
func (c *Composer) Persona(in Input) (string, error) {
	s, err := c.specialist(in.Specialist)
	if err != nil {
		return "", err
	}
	data := personaData{
		Specialist: s,
		Age:        orUnspecified(in.Profile.Age),
		Sex:        orUnspecified(in.Profile.Sex),
		Country:    orUnspecified(in.Profile.Country),
		Language:   strings.TrimSpace(in.Profile.Language),
	}
	if in.Handoff && len(in.Turns) > 0 {
		fromID := in.From
		if fromID == "" {
			fromID = c.catalog.DefaultSpecialistID()
		}
		from, err := c.specialist(fromID)
		if err != nil {
			return "", err
		}
		data.Handoff = true
		data.From = from
		data.PatientHistory = conversation.JoinByRole(in.Turns, conversation.RolePatient, " | ")
		data.LastReply = conversation.LastByRole(in.Turns, conversation.RoleSpecialist)
	}
	if s.ID == c.catalog.DefaultSpecialistID() {
		for _, other := range c.catalog.Specialists() {
			if other.ID != s.ID && other.Triage != "" {
				data.Triage = append(data.Triage, other)
			}
		}
	}
	return c.render("persona.tmpl", data)
}

// ImageAnalysis renders the prompt sent with an uploaded image.
func (c *Composer) ImageAnalysis(p accounts.Profile) (string, error) {
	return c.render("image.tmpl", map[string]string{
		"Age": orUnspecified(p.Age),
		"Sex": orUnspecified(p.Sex),
	})
}

// VideoObservation renders the persona-scoped prompt sent with a live video frame.
func (c *Composer) VideoObservation(specialistID string, p accounts.Profile) (string, error) {
	s, err := c.specialist(specialistID)
	if err != nil {
		return "", err
	}
	return c.render("video.tmpl", map[string]any{
		"Specialist": s,
		"Age":        orUnspecified(p.Age),
		"Sex":        orUnspecified(p.Sex),
		"Sentinel":   NothingToReport,
	})
}

// Summary renders the consultation summary prompt; "fr" selects French, anything else English.
func (c *Composer) Summary(language string, turns []conversation.Message) (string, error) {
	name := "anglais"
	if strings.EqualFold(strings.TrimSpace(language), "fr") {
		name = "français"
	}
	return c.render("summary.tmpl", map[string]any{
		"LanguageName": name,
		"Turns":        turns,
	})
}

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/conversation"
)

func newComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := NewComposer(catalog.MustDefault())
	require.NoError(t, err)
	return c
}

func TestPersona_ProfileFieldsAndPlaceholders(t *testing.T) {
	c := newComposer(t)

	out, err := c.Persona(Input{
		Specialist: "cardio",
		Profile:    accounts.Profile{Age: "52", Sex: "homme", Country: "Maroc"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "Tu es Dr. Kenza")
	require.Contains(t, out, "Patient : 52 ans, homme, Maroc")
	require.Contains(t, out, "palpitation")
	require.Contains(t, out, "Appelle le 15")
	require.NotContains(t, out, "REDIRIGÉ")
	require.NotContains(t, out, "Régulateur")

	out, err = c.Persona(Input{Specialist: "cardio"})
	require.NoError(t, err)
	require.Contains(t, out, "Patient : non précisé ans, non précisé, non précisé")
}

func TestPersona_DefaultPersonaCarriesTriageDirective(t *testing.T) {
	c := newComposer(t)
	out, err := c.Persona(Input{Specialist: "general"})
	require.NoError(t, err)

	require.Contains(t, out, "Régulateur")
	require.Contains(t, out, "Maux de tête → Dr. Alex")
	require.Contains(t, out, "Ventre → Dr. Elias")
	require.NotContains(t, out, "→ Dr. Adam")
	// every other specialist is listed once
	require.Equal(t, len(catalog.MustDefault().Specialists())-1, strings.Count(out, "   - "))
}

func TestPersona_HandoffBriefing(t *testing.T) {
	c := newComposer(t)
	turns := []conversation.Message{
		{Role: conversation.RolePatient, Content: "j'ai mal à la tête"},
		{Role: conversation.RoleSpecialist, Content: "Depuis quand ?"},
		{Role: conversation.RolePatient, Content: "une semaine, avec nausée"},
		{Role: conversation.RoleSpecialist, Content: "Je t'oriente vers Dr. Alex."},
	}

	out, err := c.Persona(Input{Specialist: "neuro", Handoff: true, Turns: turns})
	require.NoError(t, err)
	require.Contains(t, out, "PATIENT REDIRIGÉ PAR DR. ADAM")
	require.Contains(t, out, "j'ai mal à la tête | une semaine, avec nausée")
	require.Contains(t, out, "Dr. Adam a déjà répondu :**\nJe t'oriente vers Dr. Alex.")
	require.Contains(t, out, "NE REDEMANDE PAS")

	out, err = c.Persona(Input{Specialist: "gastro", Handoff: true, From: "neuro", Turns: turns})
	require.NoError(t, err)
	require.Contains(t, out, "PATIENT REDIRIGÉ PAR DR. ALEX")

	// no briefing without prior turns
	out, err = c.Persona(Input{Specialist: "neuro", Handoff: true})
	require.NoError(t, err)
	require.NotContains(t, out, "REDIRIGÉ")
}

func TestPersona_IsDeterministic(t *testing.T) {
	c := newComposer(t)
	in := Input{Specialist: "general", Profile: accounts.Profile{Age: "30"}}
	a, err := c.Persona(in)
	require.NoError(t, err)
	b, err := c.Persona(in)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPersona_UnknownSpecialist(t *testing.T) {
	c := newComposer(t)
	_, err := c.Persona(Input{Specialist: "surgeon"})
	require.Error(t, err)
}

func TestSinglePrompts(t *testing.T) {
	c := newComposer(t)

	img, err := c.ImageAnalysis(accounts.Profile{Age: "8", Sex: "fille"})
	require.NoError(t, err)
	require.Contains(t, img, "Patient: 8 ans, fille")
	require.Contains(t, img, "Urgence (routine / 48h / immédiat)")

	video, err := c.VideoObservation("dermato", accounts.Profile{})
	require.NoError(t, err)
	require.Contains(t, video, "Tu es Dr. Léa")
	require.Contains(t, video, `réponds juste "RAS"`)

	turns := []conversation.Message{
		{Role: conversation.RolePatient, Content: "toux"},
		{Role: conversation.RoleSpecialist, Content: "Depuis quand ?"},
	}
	fr, err := c.Summary("fr", turns)
	require.NoError(t, err)
	require.Contains(t, fr, "en français")
	require.Contains(t, fr, "Patient: toux\n\nMédecin: Depuis quand ?")

	en, err := c.Summary("en", turns)
	require.NoError(t, err)
	require.Contains(t, en, "en anglais")
}

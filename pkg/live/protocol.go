package live

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/catalog"
)

// Inbound frame types.
const (
	TypeStart      = "start"
	TypeTranscript = "transcript"
	TypeVideoFrame = "videoFrame"
	TypeStop       = "stop"
)

// Outbound frame types.
const (
	TypeStarted       = "started"
	TypeResponse      = "response"
	TypeRedirect      = "redirect"
	TypeVideoAnalysis = "videoAnalysis"
	TypeError         = "error"
)

// WelcomeMessage greets the patient under the default persona.
const WelcomeMessage = "Bonjour ! Je suis Dr. Adam. Décrivez-moi votre problème ou montrez-moi ce qui vous inquiète."

// Client-facing error texts.
const (
	msgAnalysisFailed = "Erreur lors de l'analyse"
	msgNotStarted     = "Session non démarrée"
	msgInvalidFrame   = "Message invalide"
	msgAuthRequired   = "Connexion requise"
	msgQuotaExceeded  = "Limite quotidienne atteinte."
	msgRateLimited    = "Trop de requêtes. Attendez 1 minute."
)

// Inbound is a client frame. Data carries the video frame as a data URI or base64.
type Inbound struct {
	Type  string `json:"type"`
	Email string `json:"email,omitempty"`
	Text  string `json:"text,omitempty"`
	Data  string `json:"data,omitempty"`
}

// Outbound is a server frame. Doctor cards are the catalog specialists.
type Outbound struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Doctor    *catalog.Specialist `json:"doctor,omitempty"`
	NewDoctor *catalog.Specialist `json:"newDoctor,omitempty"`
	OldDoctor *catalog.Specialist `json:"oldDoctor,omitempty"`
	Message   string              `json:"message,omitempty"`
}

func decodeInbound(b []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return Inbound{}, errors.Wrap(err, "live: decode frame")
	}
	return in, nil
}

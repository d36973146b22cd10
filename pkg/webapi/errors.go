package webapi

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/consult"
)

// Client-facing messages.
const (
	msgServerError    = "Erreur serveur"
	msgAuthRequired   = "Connexion requise"
	msgEmailRequired  = "Email requis"
	msgQuotaExceeded  = "Limite quotidienne atteinte."
	msgRateLimited    = "Trop de requêtes. Attendez 1 minute."
	msgAccessDenied   = "Accès refusé"
	msgImageReserved  = "Analyse images réservée aux abonnés Individuel+."
	msgUserNotFound   = "Utilisateur non trouvé"
	msgInvalidPlan    = "Plan invalide"
	msgInvalidBody    = "Requête invalide"
	msgMessagesNeeded = "Messages requis"
	msgImageNeeded    = "Image requise"
	msgConvNeeded     = "Conversation requise"
	msgProfileSaved   = "Profil enregistré"
)

type quotaBody struct {
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	ResetTime string `json:"resetTime,omitempty"`
	ResetAt   string `json:"resetAt,omitempty"`
}

type errorBody struct {
	Success bool       `json:"success"`
	Error   string     `json:"error"`
	Upgrade bool       `json:"upgrade,omitempty"`
	Quota   *quotaBody `json:"quota,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to its HTTP status and response body. invalidMsg is
// used for validation failures of the calling endpoint.
func statusFor(err error, cat *catalog.Catalog, invalidMsg string) (int, errorBody) {
	var (
		qe *admission.QuotaError
		ae *consult.AccessDeniedError
	)
	switch {
	case errors.As(err, &qe):
		return http.StatusTooManyRequests, errorBody{
			Error: msgQuotaExceeded,
			Quota: &quotaBody{Remaining: 0, Limit: qe.Quota.Limit},
		}
	case errors.Is(err, admission.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Error: msgRateLimited}
	case errors.Is(err, consult.ErrAuthRequired):
		return http.StatusUnauthorized, errorBody{Error: msgAuthRequired}
	case errors.As(err, &ae):
		if ae.Feature != "" {
			return http.StatusForbidden, errorBody{Error: msgImageReserved, Upgrade: true}
		}
		name := ae.Specialist
		if s, ok := cat.Specialist(ae.Specialist); ok {
			name = s.Name
		}
		return http.StatusForbidden, errorBody{
			Error:   "Accès refusé. " + name + " nécessite un abonnement supérieur.",
			Upgrade: true,
		}
	case errors.Is(err, consult.ErrInvalidRequest):
		if invalidMsg == "" {
			invalidMsg = msgInvalidBody
		}
		return http.StatusBadRequest, errorBody{Error: invalidMsg}
	case errors.Is(err, accounts.ErrMissingEmail):
		return http.StatusBadRequest, errorBody{Error: msgEmailRequired}
	case errors.Is(err, accounts.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: msgUserNotFound}
	case errors.Is(err, accounts.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: msgAccessDenied}
	case errors.Is(err, accounts.ErrUnknownPlan):
		return http.StatusBadRequest, errorBody{Error: msgInvalidPlan}
	default:
		return http.StatusInternalServerError, errorBody{Error: msgServerError}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, invalidMsg string) {
	status, body := statusFor(err, s.catalog, invalidMsg)
	var ev *zerolog.Event
	if status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	} else {
		ev = s.logger.Debug()
	}
	ev.Err(err).Str("request_id", RequestIDFrom(r.Context())).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}

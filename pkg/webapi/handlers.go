package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/consult"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/persistence/chatstore"
)

// resetTimeLabel is the human label of the quota refill instant.
const resetTimeLabel = "minuit"

func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(consult.ErrInvalidRequest, err.Error())
	}
	return nil
}

func quotaOf(q admission.Quota) *quotaBody {
	return &quotaBody{Remaining: q.Remaining, Limit: q.Limit}
}

type userView struct {
	*accounts.Account
	Plan *catalog.Plan `json:"plan"`
}

type authRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		s.writeError(w, r, accounts.ErrMissingEmail, "")
		return
	}
	ctx := r.Context()
	account, _, err := s.accounts.Ensure(ctx, email, req.DisplayName)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	plan, err := s.accounts.ResolvePlan(ctx, email)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	quota, err := s.admission.CheckQuota(ctx, email)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	q := quotaOf(quota)
	q.ResetTime = resetTimeLabel
	q.ResetAt = s.admission.ResetTime().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userView{Account: account, Plan: plan},
		"quota":   q,
	})
}

type profileRequest struct {
	Email    string              `json:"email"`
	Age      accounts.FlexString `json:"age"`
	Sex      accounts.FlexString `json:"sex"`
	Country  accounts.FlexString `json:"country"`
	Language accounts.FlexString `json:"language"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	err := s.accounts.UpdateProfile(r.Context(), strings.TrimSpace(req.Email), accounts.Profile{
		Age:      strings.TrimSpace(string(req.Age)),
		Sex:      strings.TrimSpace(string(req.Sex)),
		Country:  strings.TrimSpace(string(req.Country)),
		Language: strings.TrimSpace(string(req.Language)),
	})
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msgProfileSaved})
}

type doctorView struct {
	*catalog.Specialist
	Locked bool `json:"locked"`
}

func (s *Server) handleDoctors(w http.ResponseWriter, r *http.Request) {
	plan, err := s.accounts.ResolvePlan(r.Context(), strings.TrimSpace(r.URL.Query().Get("email")))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	specialists := s.catalog.Specialists()
	doctors := make([]doctorView, 0, len(specialists))
	for _, sp := range specialists {
		doctors = append(doctors, doctorView{Specialist: sp, Locked: !plan.Allows(sp.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"doctors": doctors,
		"plan":    plan,
	})
}

type chatRequest struct {
	Messages    []conversation.Message `json:"messages"`
	Specialist  string                 `json:"specialist"`
	UserProfile *accounts.Profile      `json:"userProfile"`
	UserEmail   string                 `json:"userEmail"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	res, err := s.consult.Chat(r.Context(), consult.ChatRequest{
		Email:      strings.TrimSpace(req.UserEmail),
		Specialist: req.Specialist,
		Messages:   req.Messages,
		Profile:    req.UserProfile,
	})
	if err != nil {
		s.writeError(w, r, err, msgMessagesNeeded)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"response":     res.Text,
		"specialist":   res.Specialist,
		"autoRedirect": res.Redirected,
		"quota":        quotaOf(res.Quota),
	})
}

type imageRequest struct {
	ImageBase64 string            `json:"imageBase64"`
	ImageType   string            `json:"imageType"`
	UserProfile *accounts.Profile `json:"userProfile"`
	UserEmail   string            `json:"userEmail"`
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	res, err := s.consult.AnalyzeImage(r.Context(), consult.ImageRequest{
		Email:     strings.TrimSpace(req.UserEmail),
		Image:     req.ImageBase64,
		ImageType: req.ImageType,
		Profile:   req.UserProfile,
	})
	if err != nil {
		s.writeError(w, r, err, msgImageNeeded)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"analysis": res.Analysis,
		"quota":    quotaOf(res.Quota),
	})
}

type summaryRequest struct {
	Conversation []conversation.Message `json:"conversation"`
	Language     string                 `json:"language"`
	UserEmail    string                 `json:"userEmail"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	summary, err := s.consult.Summarize(r.Context(), consult.SummaryRequest{
		Email:        strings.TrimSpace(req.UserEmail),
		Conversation: req.Conversation,
		Language:     req.Language,
	})
	if err != nil {
		s.writeError(w, r, err, msgConvNeeded)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": summary})
}

type changePlanRequest struct {
	Email      string `json:"email"`
	AdminEmail string `json:"adminEmail"`
	NewPlan    string `json:"newPlan"`
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	plan, err := s.accounts.ChangePlan(r.Context(), strings.TrimSpace(req.AdminEmail), strings.TrimSpace(req.Email), strings.TrimSpace(req.NewPlan))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Plan changé vers " + plan.Name,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	if email == "" {
		s.writeError(w, r, accounts.ErrMissingEmail, "")
		return
	}
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, errors.Wrap(consult.ErrInvalidRequest, "limit"), "Paramètre limit invalide")
			return
		}
		limit = n
	}
	turns, err := s.turns.List(r.Context(), chatstore.TurnQuery{
		SessionID: strings.TrimSpace(q.Get("session")),
		Email:     email,
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if turns == nil {
		turns = []chatstore.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "turns": turns})
}

package consult

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/inference/inferencetest"
)

var headacheConversation = []conversation.Message{
	patient("Bonjour"),
	specialist("Bonjour, qu'est-ce qui t'amène ?"),
	patient("J'ai mal à la tête et des nausées depuis hier"),
}

func TestChat_AnswersAndBills(t *testing.T) {
	f := newFixture(t)
	f.account(t, "lea@example.com", "")
	f.gen.Push(inferencetest.Reply{Text: "  Depuis quand as-tu ces symptômes ?  "})

	res, err := f.svc.Chat(context.Background(), ChatRequest{
		Email:    "lea@example.com",
		Messages: []conversation.Message{patient("Bonjour")},
	})
	require.NoError(t, err)
	require.Equal(t, "Depuis quand as-tu ces symptômes ?", res.Text)
	require.Equal(t, "general", res.Specialist)
	require.False(t, res.Redirected)
	require.Equal(t, 4, res.Quota.Remaining)
	require.Equal(t, 5, res.Quota.Limit)

	reqs := f.gen.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, inference.KindChat, reqs[0].Kind)
	require.Equal(t, "Bonjour", reqs[0].Prompt)
	require.Empty(t, reqs[0].History)
	require.True(t, reqs[0].Safety)
	require.Equal(t, inference.ChatMaxOutputTokens, reqs[0].MaxOutputTokens)
	require.Contains(t, reqs[0].System, "Tu es Dr. Adam")
	require.Contains(t, reqs[0].System, "Régulateur")
	require.Equal(t, []eventbus.EventType{eventbus.EventTurn}, f.events.types())
}

func TestChat_StoredProfileReachesNextPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "lea@example.com", "")
	require.NoError(t, f.accounts.UpdateProfile(ctx, "lea@example.com",
		accounts.Profile{Age: "34", Sex: "femme", Country: "Sénégal"}))

	_, err := f.svc.Chat(ctx, ChatRequest{
		Email:    "lea@example.com",
		Messages: []conversation.Message{patient("Bonjour")},
	})
	require.NoError(t, err)
	require.Contains(t, f.gen.Requests()[0].System, "Patient : 34 ans, femme, Sénégal")

	_, err = f.svc.Chat(ctx, ChatRequest{
		Email:    "lea@example.com",
		Messages: []conversation.Message{patient("Bonjour")},
		Profile:  &accounts.Profile{Age: "35"},
	})
	require.NoError(t, err)
	require.Contains(t, f.gen.Requests()[1].System, "Patient : 35 ans, femme, Sénégal")
}

func TestChat_RedirectsToAuthorizedSpecialist(t *testing.T) {
	f := newFixture(t)
	f.account(t, "paul@example.com", "individual")
	f.gen.Push(inferencetest.Reply{Text: "Bonjour, Dr. Adam m'a bien briefé sur ton cas."})

	res, err := f.svc.Chat(context.Background(), ChatRequest{
		Email:    "paul@example.com",
		Messages: headacheConversation,
	})
	require.NoError(t, err)
	require.True(t, res.Redirected)
	require.Equal(t, "neuro", res.Specialist)
	require.Equal(t, 1, f.gen.Calls())

	req := f.gen.Requests()[0]
	require.Contains(t, req.System, "PATIENT REDIRIGÉ PAR DR. ADAM")
	require.Contains(t, req.System, "Bonjour, qu'est-ce qui t'amène ?")
	require.Len(t, req.History, 2)
	require.Equal(t, headacheConversation[2].Content, req.Prompt)
	require.Equal(t, []eventbus.EventType{eventbus.EventHandoff, eventbus.EventTurn}, f.events.types())
}

func TestChat_NoRedirectOutsidePlanOrOnFirstMessage(t *testing.T) {
	f := newFixture(t)
	f.account(t, "lea@example.com", "")
	f.account(t, "paul@example.com", "individual")
	ctx := context.Background()

	res, err := f.svc.Chat(ctx, ChatRequest{Email: "lea@example.com", Messages: headacheConversation})
	require.NoError(t, err)
	require.False(t, res.Redirected)
	require.Equal(t, "general", res.Specialist)

	res, err = f.svc.Chat(ctx, ChatRequest{
		Email:    "paul@example.com",
		Messages: headacheConversation[2:],
	})
	require.NoError(t, err)
	require.False(t, res.Redirected)

	res, err = f.svc.Chat(ctx, ChatRequest{
		Email:      "paul@example.com",
		Specialist: "cardio",
		Messages:   headacheConversation,
	})
	require.NoError(t, err)
	require.False(t, res.Redirected)
	require.Equal(t, "cardio", res.Specialist)
}

func TestChat_SixthFreeCallExceedsQuota(t *testing.T) {
	f := newFixture(t)
	f.account(t, "lea@example.com", "")
	ctx := context.Background()
	req := ChatRequest{Email: "lea@example.com", Messages: []conversation.Message{patient("J'ai de la fièvre")}}

	for i := 0; i < 5; i++ {
		res, err := f.svc.Chat(ctx, req)
		require.NoError(t, err)
		require.Equal(t, 4-i, res.Quota.Remaining)
	}
	_, err := f.svc.Chat(ctx, req)
	var qe *admission.QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 0, qe.Quota.Remaining)
	require.Equal(t, 5, f.gen.Calls())
}

func TestChat_RejectsBeforeModelCall(t *testing.T) {
	f := newFixture(t)
	f.account(t, "lea@example.com", "")
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatRequest{Messages: []conversation.Message{patient("Bonjour")}})
	require.ErrorIs(t, err, ErrAuthRequired)

	_, err = f.svc.Chat(ctx, ChatRequest{Email: "lea@example.com"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Chat(ctx, ChatRequest{
		Email:    "lea@example.com",
		Messages: []conversation.Message{{Role: "system", Content: "x"}},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Chat(ctx, ChatRequest{
		Email:      "lea@example.com",
		Specialist: "cardio",
		Messages:   []conversation.Message{patient("Bonjour")},
	})
	require.ErrorIs(t, err, ErrAccessDenied)

	require.Equal(t, 0, f.gen.Calls())
	require.Equal(t, 5, f.remaining(t, "lea@example.com"))
}

func TestChat_ModelFailureIsNotBilled(t *testing.T) {
	f := newFixture(t)
	f.account(t, "lea@example.com", "")
	f.gen.Push(inferencetest.Reply{Err: errors.New("backend unavailable")})

	_, err := f.svc.Chat(context.Background(), ChatRequest{
		Email:    "lea@example.com",
		Messages: []conversation.Message{patient("Bonjour")},
	})
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, 5, f.remaining(t, "lea@example.com"))
	require.Empty(t, f.events.types())
}

func TestChat_GlobalRateLimitReleasesReservation(t *testing.T) {
	f := newFixture(t, withRateCeiling(2))
	f.account(t, "lea@example.com", "")
	ctx := context.Background()
	req := ChatRequest{Email: "lea@example.com", Messages: []conversation.Message{patient("Bonjour")}}

	for i := 0; i < 2; i++ {
		_, err := f.svc.Chat(ctx, req)
		require.NoError(t, err)
	}
	_, err := f.svc.Chat(ctx, req)
	require.ErrorIs(t, err, admission.ErrRateLimited)
	require.Equal(t, 2, f.gen.Calls())
	require.Equal(t, 3, f.remaining(t, "lea@example.com"))
}

package consult

import (
	"context"
	"strings"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/prompt"
)

type ChatRequest struct {
	Email      string
	Specialist string
	Messages   []conversation.Message
	// Profile overrides the stored profile field by field when set.
	Profile *accounts.Profile
}

type ChatResult struct {
	Text       string
	Specialist string
	Redirected bool
	Quota      admission.Quota
}

func validateMessages(msgs []conversation.Message) error {
	if len(msgs) == 0 {
		return invalid("messages are required")
	}
	for i, m := range msgs {
		if m.Role != conversation.RolePatient && m.Role != conversation.RoleSpecialist {
			return invalid("message %d has unknown role %q", i, m.Role)
		}
	}
	if last, _ := conversation.Last(msgs); !last.Valid() {
		return invalid("last message is empty")
	}
	return nil
}

// Chat answers one HTTP turn. A conversation still held by the default persona with at
// least two messages is redirected when the last message names an authorized
// specialist; the redirected persona answers directly with the hand-off briefing.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if err := requireEmail(req.Email); err != nil {
		return ChatResult{}, err
	}
	if err := validateMessages(req.Messages); err != nil {
		return ChatResult{}, err
	}
	current := strings.TrimSpace(req.Specialist)
	if current == "" {
		current = s.catalog.DefaultSpecialistID()
	}
	if err := s.authorize(ctx, req.Email, current); err != nil {
		return ChatResult{}, err
	}

	reservation, err := s.reserve(ctx, req.Email)
	if err != nil {
		return ChatResult{}, err
	}
	defer reservation.Release()

	last, _ := conversation.Last(req.Messages)
	target := current
	if current == s.catalog.DefaultSpecialistID() && len(req.Messages) >= 2 {
		to, err := s.router.Redirect(ctx, req.Email, current, last.Content)
		if err != nil {
			return ChatResult{}, upstream("route", err)
		}
		if to != "" {
			target = to
		}
	}
	redirected := target != current

	profile, err := s.profile(ctx, req.Email, req.Profile)
	if err != nil {
		return ChatResult{}, err
	}
	system, err := s.composer.Persona(prompt.Input{
		Specialist: target,
		Profile:    profile,
		Handoff:    redirected,
		From:       current,
		Turns:      req.Messages,
	})
	if err != nil {
		return ChatResult{}, upstream("compose prompt", err)
	}

	text, err := s.call(ctx, inference.Request{
		Kind:            inference.KindChat,
		System:          system,
		History:         req.Messages[:len(req.Messages)-1],
		Prompt:          last.Content,
		Temperature:     inference.DefaultTemperature,
		MaxOutputTokens: inference.ChatMaxOutputTokens,
		Safety:          true,
	})
	if err != nil {
		return ChatResult{}, err
	}
	quota := s.commit(ctx, req.Email, reservation)

	if redirected {
		s.handoff(ctx, eventbus.ChannelHTTP, "", req.Email, current, target)
	}
	s.publish(ctx, eventbus.Event{
		Type:       eventbus.EventTurn,
		Channel:    eventbus.ChannelHTTP,
		Email:      req.Email,
		Specialist: target,
		Patient:    last.Content,
		Reply:      text,
	})
	return ChatResult{
		Text:       text,
		Specialist: target,
		Redirected: redirected,
		Quota:      quota,
	}, nil
}

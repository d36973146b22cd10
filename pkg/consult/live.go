package consult

import (
	"context"
	"strings"

	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/prompt"
)

type LiveTurnInput struct {
	Email     string
	SessionID string
	// Current is the persona holding the session.
	Current string
	// Transcript holds the accepted turns before Utterance.
	Transcript []conversation.Message
	Utterance  string
}

// Redirect is a hand-off decided on a live turn.
type Redirect struct {
	From string
	To   string
}

type LiveTurnResult struct {
	Reply string
	// Specialist is the persona holding the session after this turn.
	Specialist string
	Redirect   *Redirect
	Quota      admission.Quota
}

// LiveTurn answers one live utterance as the current persona, then runs routing over
// the whole transcript including the new exchange. A redirect here only announces the
// hand-off; the new persona speaks later through HandoffFollowUp.
func (s *Service) LiveTurn(ctx context.Context, in LiveTurnInput) (LiveTurnResult, error) {
	if err := requireEmail(in.Email); err != nil {
		return LiveTurnResult{}, err
	}
	utterance := strings.TrimSpace(in.Utterance)
	if utterance == "" {
		return LiveTurnResult{}, invalid("utterance is empty")
	}
	current := strings.TrimSpace(in.Current)
	if current == "" {
		current = s.catalog.DefaultSpecialistID()
	}
	if _, ok := s.catalog.Specialist(current); !ok {
		return LiveTurnResult{}, invalid("unknown specialist %q", current)
	}

	reservation, err := s.reserve(ctx, in.Email)
	if err != nil {
		return LiveTurnResult{}, err
	}
	defer reservation.Release()

	profile, err := s.profile(ctx, in.Email, nil)
	if err != nil {
		return LiveTurnResult{}, err
	}
	patient := conversation.Message{Role: conversation.RolePatient, Content: utterance}
	withUtterance := append(append([]conversation.Message(nil), in.Transcript...), patient)
	system, err := s.composer.Persona(prompt.Input{
		Specialist: current,
		Profile:    profile,
		Turns:      withUtterance,
	})
	if err != nil {
		return LiveTurnResult{}, upstream("compose prompt", err)
	}

	reply, err := s.call(ctx, inference.Request{
		Kind:            inference.KindLive,
		System:          system,
		History:         in.Transcript,
		Prompt:          utterance,
		Temperature:     inference.DefaultTemperature,
		MaxOutputTokens: inference.LiveMaxOutputTokens,
		Safety:          true,
	})
	if err != nil {
		return LiveTurnResult{}, err
	}
	quota := s.commit(ctx, in.Email, reservation)

	s.publish(ctx, eventbus.Event{
		Type:       eventbus.EventTurn,
		Channel:    eventbus.ChannelLive,
		SessionID:  in.SessionID,
		Email:      in.Email,
		Specialist: current,
		Patient:    utterance,
		Reply:      reply,
	})

	res := LiveTurnResult{Reply: reply, Specialist: current, Quota: quota}
	full := append(withUtterance, conversation.Message{Role: conversation.RoleSpecialist, Content: reply})
	to, err := s.router.Redirect(ctx, in.Email, current, conversation.JoinAll(full, " "))
	if err != nil {
		s.logger.Warn().Err(err).Str("session", in.SessionID).Msg("live routing failed, staying with current persona")
		return res, nil
	}
	if to != "" {
		res.Redirect = &Redirect{From: current, To: to}
		res.Specialist = to
		s.handoff(ctx, eventbus.ChannelLive, in.SessionID, in.Email, current, to)
	}
	return res, nil
}

type FollowUpInput struct {
	Email     string
	SessionID string
	From      string
	To        string
	// Transcript is the session transcript at the time of the follow-up.
	Transcript []conversation.Message
}

// HandoffFollowUp produces the first words of the persona that took over a live
// session. It is not billed but passes the global rate limiter.
func (s *Service) HandoffFollowUp(ctx context.Context, in FollowUpInput) (string, error) {
	if err := requireEmail(in.Email); err != nil {
		return "", err
	}
	if _, ok := s.catalog.Specialist(in.To); !ok {
		return "", invalid("unknown specialist %q", in.To)
	}
	if err := s.rate(); err != nil {
		return "", err
	}
	profile, err := s.profile(ctx, in.Email, nil)
	if err != nil {
		return "", err
	}
	briefing, err := s.composer.Persona(prompt.Input{
		Specialist: in.To,
		Profile:    profile,
		Handoff:    true,
		From:       in.From,
		Turns:      in.Transcript,
	})
	if err != nil {
		return "", upstream("compose prompt", err)
	}
	text, err := s.call(ctx, inference.Request{
		Kind:            inference.KindFollowUp,
		Prompt:          briefing,
		Temperature:     inference.DefaultTemperature,
		MaxOutputTokens: inference.LiveMaxOutputTokens,
		Safety:          true,
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, eventbus.Event{
		Type:       eventbus.EventFollowUp,
		Channel:    eventbus.ChannelLive,
		SessionID:  in.SessionID,
		Email:      in.Email,
		Specialist: in.To,
		From:       in.From,
		To:         in.To,
		Reply:      text,
	})
	return text, nil
}

package consult

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/admission"
	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference"
	"github.com/go-go-golems/ehosp/pkg/prompt"
)

// minObservationLength is the shortest observation worth forwarding.
const minObservationLength = 10

var nothingToReport = regexp.MustCompile(`\b` + prompt.NothingToReport + `\b`)

// IsNonTrivial reports whether a video observation should reach the patient: it must
// not contain the nothing-to-report sentinel as a word and must be longer than
// minObservationLength characters.
func IsNonTrivial(text string) bool {
	text = strings.TrimSpace(text)
	if nothingToReport.MatchString(text) {
		return false
	}
	return utf8.RuneCountInString(text) > minObservationLength
}

type ObserveInput struct {
	Email      string
	SessionID  string
	Specialist string
	// Frame is a data URI or raw base64 JPEG.
	Frame string
}

// ObserveFrame asks the current persona about one video frame. The boolean is false
// when the observation is trivial and must not be shown. Not billed; rate limited.
func (s *Service) ObserveFrame(ctx context.Context, in ObserveInput) (string, bool, error) {
	if err := requireEmail(in.Email); err != nil {
		return "", false, err
	}
	specialist := strings.TrimSpace(in.Specialist)
	if specialist == "" {
		specialist = s.catalog.DefaultSpecialistID()
	}
	if _, ok := s.catalog.Specialist(specialist); !ok {
		return "", false, invalid("unknown specialist %q", specialist)
	}
	image, err := DecodeImage(in.Frame, "")
	if err != nil {
		return "", false, err
	}
	if err := s.rate(); err != nil {
		return "", false, err
	}
	profile, err := s.profile(ctx, in.Email, nil)
	if err != nil {
		return "", false, err
	}
	text, err := s.composer.VideoObservation(specialist, profile)
	if err != nil {
		return "", false, upstream("compose prompt", err)
	}
	out, err := s.call(ctx, inference.Request{
		Kind:   inference.KindVideo,
		Prompt: text,
		Images: []inference.Image{image},
	})
	if err != nil {
		return "", false, err
	}
	if !IsNonTrivial(out) {
		s.logger.Debug().Str("session", in.SessionID).Msg("video observation discarded")
		return "", false, nil
	}
	s.publish(ctx, eventbus.Event{
		Type:       eventbus.EventObservation,
		Channel:    eventbus.ChannelLive,
		SessionID:  in.SessionID,
		Email:      in.Email,
		Specialist: specialist,
		Reply:      out,
	})
	return out, true, nil
}

type ImageRequest struct {
	Email string
	// Image is a data URI or raw base64 payload.
	Image     string
	ImageType string
	Profile   *accounts.Profile
}

type ImageResult struct {
	Analysis string
	Quota    admission.Quota
}

// AnalyzeImage describes an uploaded image. Only elevated plans may use it; each
// successful call is billed.
func (s *Service) AnalyzeImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if err := requireEmail(req.Email); err != nil {
		return ImageResult{}, err
	}
	image, err := DecodeImage(req.Image, req.ImageType)
	if err != nil {
		return ImageResult{}, err
	}
	plan, err := s.accounts.ResolvePlan(ctx, req.Email)
	if err != nil {
		return ImageResult{}, upstream("resolve plan", err)
	}
	if !plan.Elevated {
		return ImageResult{}, &AccessDeniedError{Feature: "image analysis"}
	}

	reservation, err := s.reserve(ctx, req.Email)
	if err != nil {
		return ImageResult{}, err
	}
	defer reservation.Release()

	profile, err := s.profile(ctx, req.Email, req.Profile)
	if err != nil {
		return ImageResult{}, err
	}
	text, err := s.composer.ImageAnalysis(profile)
	if err != nil {
		return ImageResult{}, upstream("compose prompt", err)
	}
	analysis, err := s.call(ctx, inference.Request{
		Kind:            inference.KindImage,
		Prompt:          text,
		Images:          []inference.Image{image},
		MaxOutputTokens: inference.SingleMaxOutputTokens,
	})
	if err != nil {
		return ImageResult{}, err
	}
	quota := s.commit(ctx, req.Email, reservation)
	s.publish(ctx, eventbus.Event{
		Type:    eventbus.EventImage,
		Channel: eventbus.ChannelHTTP,
		Email:   req.Email,
		Reply:   analysis,
	})
	return ImageResult{Analysis: analysis, Quota: quota}, nil
}

type SummaryRequest struct {
	Email        string
	Conversation []conversation.Message
	Language     string
}

// Summarize renders a structured consultation summary. Not billed; rate limited.
func (s *Service) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if err := requireEmail(req.Email); err != nil {
		return "", err
	}
	if len(req.Conversation) == 0 {
		return "", invalid("conversation is required")
	}
	if err := s.rate(); err != nil {
		return "", err
	}
	text, err := s.composer.Summary(req.Language, req.Conversation)
	if err != nil {
		return "", upstream("compose prompt", err)
	}
	summary, err := s.call(ctx, inference.Request{
		Kind:            inference.KindSummary,
		Prompt:          text,
		MaxOutputTokens: inference.SingleMaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	s.publish(ctx, eventbus.Event{
		Type:    eventbus.EventSummary,
		Channel: eventbus.ChannelHTTP,
		Email:   req.Email,
		Reply:   summary,
	})
	return summary, nil
}

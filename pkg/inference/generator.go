// Package inference defines the model collaborator used by the consultation
// orchestrator. Backends live in subpackages (gemini); runner adds the timeout,
// history budget, logging and metrics that wrap every call.
package inference

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ehosp/pkg/conversation"
)

// Kind labels a model call for logs and metrics.
type Kind string

const (
	KindChat     Kind = "chat"
	KindLive     Kind = "live"
	KindFollowUp Kind = "followup"
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindSummary  Kind = "summary"
)

// Image is an inline image part.
type Image struct {
	MIMEType string
	Data     []byte
}

// Request is one model invocation. System is sent as the system instruction,
// History as prior turns and Prompt (plus Images) as the final user turn.
type Request struct {
	Kind            Kind
	System          string
	History         []conversation.Message
	Prompt          string
	Images          []Image
	Temperature     float32
	MaxOutputTokens int32
	// Safety enables the medium-and-above blocks for hate speech and dangerous content.
	Safety bool
}

// Generator is the model collaborator: opaque, possibly slow, possibly failing.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when the backend produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Defaults per call kind.
const (
	DefaultTemperature    float32 = 0.85
	ChatMaxOutputTokens   int32   = 800
	LiveMaxOutputTokens   int32   = 400
	SingleMaxOutputTokens int32   = 800
)

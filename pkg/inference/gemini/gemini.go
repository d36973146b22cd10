// Package gemini implements inference.Generator on top of the Gemini API.
package gemini

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/go-go-golems/ehosp/pkg/conversation"
	"github.com/go-go-golems/ehosp/pkg/inference"
)

const DefaultModel = "gemini-2.0-flash"

type Settings struct {
	APIKey string
	Model  string
}

type Generator struct {
	client *genai.Client
	model  string
}

var _ inference.Generator = &Generator{}

func New(ctx context.Context, s Settings) (*Generator, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	model := strings.TrimSpace(s.Model)
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gemini: create client")
	}
	log.Info().Str("component", "gemini").Str("model", model).Msg("gemini client ready")
	return &Generator{client: client, model: model}, nil
}

func (g *Generator) Model() string { return g.model }

func (g *Generator) Generate(ctx context.Context, req inference.Request) (string, error) {
	contents := BuildContents(req)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, BuildConfig(req))
	if err != nil {
		return "", errors.Wrapf(err, "gemini: generate %s", req.Kind)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", inference.ErrEmptyResponse
	}
	return text, nil
}

func role(r conversation.Role) genai.Role {
	if r == conversation.RoleSpecialist {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// BuildContents maps history and the final prompt to Gemini contents.
func BuildContents(req inference.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role(m.Role)))
	}
	parts := []*genai.Part{}
	if req.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	if len(parts) > 0 {
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return contents
}

// BuildConfig maps generation settings, the system instruction and safety settings.
func BuildConfig(req inference.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.Safety {
		cfg.SafetySettings = []*genai.SafetySetting{
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		}
	}
	return cfg
}

package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/stolink/imageworker/internal/provider"
)

// MinEditPromptLen is the shortest edit prompt accepted from the model.
const MinEditPromptLen = 10

const createSystemPrompt = `You write English prompts for an image model that renders ID-photo style portraits.
Rules:
1. Pose: facing the camera, still, front view, like an identity document photo.
2. Framing: shoulder-up portrait, passport photo composition.
3. Background: plain solid background that does not distract from the person.
4. Describe facial features clearly and in high detail.
Output only the English prompt, nothing else.`

const editSystemPrompt = `You write prompts for an image editing model.
Convert the user's edit request into one optimized English prompt that describes the desired change
while preserving the person's identity and facial features.
Describe only what should change (hair, clothing, expression, age, accessories) and phrase it positively.
Return only the prompt text. No JSON, no quotes.`

// ConverseAPI is the subset of the Bedrock runtime client used for prompt derivation.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// PromptProvider derives model prompts with a chat model through the
// Bedrock Converse API.
type PromptProvider struct {
	client   ConverseAPI
	modelID  string
	fallback bool
	logger   *slog.Logger
}

// NewPromptProvider creates a prompt provider. When fallback is true, a
// transient failure while deriving a create prompt yields a template prompt
// instead of an error.
func NewPromptProvider(client ConverseAPI, modelID string, fallback bool, logger *slog.Logger) *PromptProvider {
	return &PromptProvider{client: client, modelID: modelID, fallback: fallback, logger: logger}
}

// Derive implements provider.PromptProvider.
func (p *PromptProvider) Derive(ctx context.Context, req provider.PromptRequest) (string, error) {
	switch req.Purpose {
	case provider.PurposeCreate:
		return p.deriveCreate(ctx, req.Text)
	case provider.PurposeEdit:
		return p.deriveEdit(ctx, req.Text)
	default:
		return "", provider.NewPermanent(provider.CapabilityPrompt, "derive", fmt.Errorf("unknown purpose %q", req.Purpose))
	}
}

func (p *PromptProvider) deriveCreate(ctx context.Context, text string) (string, error) {
	out, err := p.converse(ctx, createSystemPrompt,
		"Write an ID-photo style English prompt for the following person description:\n\n"+text)
	if err == nil && out == "" {
		err = provider.NewPermanent(provider.CapabilityPrompt, "converse", errors.New("model returned an empty prompt"))
	}
	if err != nil {
		if p.fallback && provider.IsTransient(err) {
			p.logger.Warn("prompt derivation failed, using template prompt", "error", err)
			return FallbackCreatePrompt(text), nil
		}
		return "", err
	}
	return out, nil
}

func (p *PromptProvider) deriveEdit(ctx context.Context, text string) (string, error) {
	out, err := p.converse(ctx, editSystemPrompt,
		"Convert this edit request to an optimized English prompt:\n\n"+text)
	if err != nil {
		return "", err
	}
	out = stripQuotes(out)
	if len(out) < MinEditPromptLen {
		return "", provider.NewPermanent(provider.CapabilityPrompt, "converse",
			fmt.Errorf("edit prompt too short or empty: %q", out))
	}
	return out, nil
}

func (p *PromptProvider) converse(ctx context.Context, system, user string) (string, error) {
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.modelID),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		},
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: user}},
		}},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(1024)},
	})
	if err != nil {
		return "", provider.ClassifyAWS(provider.CapabilityPrompt, "converse", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", provider.NewPermanent(provider.CapabilityPrompt, "converse", errors.New("response carries no message"))
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// FallbackCreatePrompt is the template prompt used when derivation is unavailable.
func FallbackCreatePrompt(text string) string {
	return "Professional ID photo portrait, " + text + ", front view, plain background, high quality"
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, `'`} {
		if len(s) >= 2 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

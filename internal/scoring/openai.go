// Package scoring provides scoring function adapters. The pipeline treats the
// scorer as an opaque call that may fail or time out; adapters here only shape
// the request and parse the verdict.
package scoring

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
)

const scorePrompt = `You are auditing stored agent memories for factual correctness.
Given a user query and the agent response that was stored for it, judge whether
the stored response is incorrect. Reply with a single JSON object:
{"incorrect": bool, "confidence": number between 0 and 1, "reason": string}`

// OpenAIScorer implements audit.Scorer against a chat completion model.
type OpenAIScorer struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

// NewOpenAIScorer creates a scorer using the given API key and model.
func NewOpenAIScorer(apiKey, model string, log *zap.Logger) *OpenAIScorer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIScorer{
		client: openai.NewClient(apiKey),
		model:  model,
		log:    log.With(zap.String("module", "scorer")),
	}
}

var _ audit.Scorer = (*OpenAIScorer)(nil)

// Score asks the model for a verdict on one interaction. The caller bounds the
// call with a context deadline; transport and parse failures are scoring errors.
func (s *OpenAIScorer) Score(ctx context.Context, userQuery, agentResponse string) (audit.Verdict, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scorePrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Query: " + userQuery + "\n\nStored response: " + agentResponse},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return audit.Verdict{}, errors.Tag(errors.ErrScoring, err)
	}
	if len(resp.Choices) == 0 {
		return audit.Verdict{}, errors.Tag(errors.ErrScoring, errors.New("empty completion"))
	}

	var verdict audit.Verdict
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		s.log.Warn("unparseable verdict", zap.String("content", content), zap.Error(err))
		return audit.Verdict{}, errors.Tag(errors.ErrScoring, err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return audit.Verdict{}, errors.NewValidation("confidence", "outside [0, 1]")
	}
	return verdict, nil
}

// Package langchain adapts any tmc/langchaingo llms.Model (OpenAI,
// local LocalAI-compatible HTTP endpoints, and the rest of
// langchaingo's backends) to provider.Transport. This is the generic
// fallback path design §4.11 assigns to self-hosted or OpenAI-compatible
// model servers, mirroring the contract the teacher's
// NewAIServiceHTTPClient exercises: a single prompt in, a single
// completion plus usage out.
package langchain

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/incident-commander/coordinator/pkg/provider"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// Transport implements provider.Transport over any langchaingo
// llms.Model implementation.
type Transport struct {
	model llms.Model
	name  string
}

// New wraps model, labeling it name for logging/event purposes (e.g.
// "localai", "openai-compatible").
func New(model llms.Model, name string) *Transport {
	return &Transport{model: model, name: name}
}

func (t *Transport) Name() string { return t.name }

// Invoke issues a single GenerateContent call and maps the first
// completion choice and its usage metadata back.
func (t *Transport) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}

	resp, err := t.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return provider.Response{}, cerrors.NetworkError("langchain generate content", t.name, err)
	}
	if len(resp.Choices) == 0 {
		return provider.Response{}, cerrors.New(cerrors.KindInternal, "langchain response had no choices")
	}

	choice := resp.Choices[0]
	var tokensIn, tokensOut int64
	if choice.GenerationInfo != nil {
		if v, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
			tokensIn = int64(v)
		}
		if v, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
			tokensOut = int64(v)
		}
	}

	return provider.Response{
		Content:   choice.Content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}, nil
}

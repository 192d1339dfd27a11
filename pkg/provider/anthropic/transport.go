// Package anthropic adapts the Anthropic Claude Messages API to
// provider.Transport, grounded on the teacher pack's own
// goa-ai-style wrapper: a narrow MessagesClient interface satisfied by
// *anthropicsdk.MessageService, so tests substitute a fake without
// touching the network.
package anthropic

import (
	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/incident-commander/coordinator/pkg/provider"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// MessagesClient captures the subset of the Anthropic SDK used here, so
// a fake can stand in for *sdk.MessageService in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Transport implements provider.Transport over the Anthropic Messages API.
type Transport struct {
	msg          MessagesClient
	defaultModel string
}

// New builds a Transport from an already-constructed MessagesClient
// (typically &sdk.NewClient(...).Messages) and the model identifier
// every call is sent to.
func New(msg MessagesClient, defaultModel string) *Transport {
	return &Transport{msg: msg, defaultModel: defaultModel}
}

// NewFromAPIKey constructs a Transport using the default Anthropic HTTP
// client configured from apiKey.
func NewFromAPIKey(apiKey, defaultModel string) *Transport {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, defaultModel)
}

func (t *Transport) Name() string { return "anthropic" }

// Invoke translates a provider.Request into a Messages.New call and
// maps the response's text content and usage back.
func (t *Transport) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(t.defaultModel),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := t.msg.New(ctx, params)
	if err != nil {
		return provider.Response{}, cerrors.NetworkError("anthropic messages.new", t.defaultModel, err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return provider.Response{
		Content:   content,
		Model:     string(msg.Model),
		TokensIn:  msg.Usage.InputTokens,
		TokensOut: msg.Usage.OutputTokens,
	}, nil
}

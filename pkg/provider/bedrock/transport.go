// Package bedrock adapts the AWS Bedrock Converse API to
// provider.Transport, grounded on the teacher pack's goa-ai Bedrock
// client: a narrow RuntimeClient interface satisfied by
// *bedrockruntime.Client so tests substitute a fake.
package bedrock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/incident-commander/coordinator/pkg/provider"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// RuntimeClient captures the subset of the Bedrock runtime client this
// transport drives, matching *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Transport implements provider.Transport over Bedrock's Converse API.
type Transport struct {
	runtime      RuntimeClient
	defaultModel string
}

// New builds a Transport from an already-configured Bedrock runtime
// client and the model ARN/ID to converse with.
func New(runtime RuntimeClient, defaultModel string) *Transport {
	return &Transport{runtime: runtime, defaultModel: defaultModel}
}

func (t *Transport) Name() string { return "bedrock" }

// Invoke translates a provider.Request into a Converse call and maps
// the response's text output and token usage back.
func (t *Transport) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(t.defaultModel),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: req.Prompt},
				},
			},
		},
	}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cfg := brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			mt := int32(req.MaxTokens)
			cfg.MaxTokens = &mt
		}
		if req.Temperature > 0 {
			temp := float32(req.Temperature)
			cfg.Temperature = &temp
		}
		input.InferenceConfig = &cfg
	}

	out, err := t.runtime.Converse(ctx, input)
	if err != nil {
		return provider.Response{}, cerrors.NetworkError("bedrock converse", t.defaultModel, err)
	}

	var content string
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	}

	var tokensIn, tokensOut int64
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			tokensIn = int64(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			tokensOut = int64(*out.Usage.OutputTokens)
		}
	}

	return provider.Response{
		Content:   content,
		Model:     t.defaultModel,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}, nil
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/raphaelgruber/lakeflow/internal/config"
)

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock invokes models through the Amazon Bedrock Converse API.
type Bedrock struct {
	client    ConverseAPI
	modelName string
}

// NewBedrock creates a Bedrock invoker using the default AWS credential chain.
func NewBedrock(ctx context.Context, cfg config.Config) (*Bedrock, error) {
	client, err := newBedrockClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewBedrockWithClient(client, cfg.LLMModel), nil
}

// NewBedrockWithClient wraps an existing client.
func NewBedrockWithClient(client ConverseAPI, modelName string) *Bedrock {
	return &Bedrock{client: client, modelName: modelName}
}

func newBedrockClient(ctx context.Context, cfg config.Config) (*bedrockruntime.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

// Invoke sends prompt as a single user message.
func (b *Bedrock) Invoke(ctx context.Context, prompt, modelID string, maxTokens int) (Result, error) {
	if modelID == "" {
		modelID = b.modelName
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
	}
	if maxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}

	out, err := retryTransient(ctx, 3, func() (*bedrockruntime.ConverseOutput, error) {
		return b.client.Converse(ctx, input)
	})
	if err != nil {
		return Result{}, fmt.Errorf("bedrock converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Result{}, fmt.Errorf("bedrock converse: unexpected output type %T", out.Output)
	}
	var text string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text += t.Value
		}
	}

	res := Result{Text: text, ModelID: modelID}
	if out.Usage != nil {
		res.InputTokens = int64(aws.ToInt32(out.Usage.InputTokens))
		res.OutputTokens = int64(aws.ToInt32(out.Usage.OutputTokens))
	}
	return res, nil
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// titanEmbed calls a Titan text embedding model.
func titanEmbed(ctx context.Context, client ConverseAPI, modelID, text string, dimension int) ([]float32, error) {
	body, err := json.Marshal(titanRequest{InputText: text, Dimensions: dimension, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("marshal titan request: %w", err)
	}

	out, err := retryTransient(ctx, 3, func() (*bedrockruntime.InvokeModelOutput, error) {
		return client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke model: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode titan response: %w", err)
	}
	return resp.Embedding, nil
}

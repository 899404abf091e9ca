package backend

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"ollm/internal/qwen"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Completions generates through an OpenAI-compatible text completions
// endpoint (vLLM, llama.cpp server, TGI) fed with a rendered ChatML prompt.
type Completions struct {
	client *openai.Client
	model  string
	codec  Codec
}

func NewCompletions(baseURL, apiKey, model string, codec Codec, extra ...option.RequestOption) *Completions {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)
	return &Completions{client: &client, model: model, codec: codec}
}

// Check verifies the server is reachable and serves the configured model.
func (c *Completions) Check(ctx context.Context) error {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	if !slices.Contains(ids, c.model) {
		slog.Warn("completions: model not listed by server", "model", c.model, "served", ids)
	}
	return nil
}

func (c *Completions) Encode(text string) ([]int, error) {
	return c.codec.Encode(text)
}

func (c *Completions) Generate(ctx context.Context, p qwen.Params) (string, error) {
	params, opts := c.params(p)
	resp, err := c.client.Completions.New(ctx, params, opts...)
	if err != nil {
		return "", fmt.Errorf("completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completions: empty response")
	}
	return resp.Choices[0].Text, nil
}

func (c *Completions) GenerateStream(ctx context.Context, p qwen.Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params, opts := c.params(p)
		stream := c.client.Completions.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		var text strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text.WriteString(chunk.Choices[0].Text)
			if !yield(text.String(), nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("completions stream: %w", err))
		}
	}
}

func (c *Completions) params(p qwen.Params) (openai.CompletionNewParams, []option.RequestOption) {
	params := openai.CompletionNewParams{
		Model: openai.CompletionNewParamsModel(c.model),
		Prompt: openai.CompletionNewParamsPromptUnion{
			OfString: openai.String(RenderChatML(qwen.DefaultSystemPrompt, p)),
		},
		Stop: openai.CompletionNewParamsStopUnion{
			OfStringArray: stopStrings(c.codec, p.StopWordsIDs),
		},
	}
	if p.Temperature != nil {
		params.Temperature = openai.Float(*p.Temperature)
	}
	if p.TopP != nil {
		params.TopP = openai.Float(*p.TopP)
	}
	if p.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*p.MaxTokens))
	}

	var opts []option.RequestOption
	if p.TopK != nil {
		// top_k is not part of the completions schema; servers that sample
		// locally accept it as an extension field.
		opts = append(opts, option.WithJSONSet("top_k", *p.TopK))
	}
	return params, opts
}

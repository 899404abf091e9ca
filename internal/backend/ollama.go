package backend

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"ollm/internal/qwen"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Ollama generates through an Ollama server, which applies the model's own
// chat template to the history pairs.
type Ollama struct {
	client *ollama.LLM
	model  string
	codec  Codec
}

func NewOllama(baseURL, model string, codec Codec) (*Ollama, error) {
	opts := []ollama.Option{
		ollama.WithModel(model),
		ollama.WithHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return &Ollama{client: client, model: model, codec: codec}, nil
}

func (o *Ollama) Encode(text string) ([]int, error) {
	return o.codec.Encode(text)
}

func (o *Ollama) Generate(ctx context.Context, p qwen.Params) (string, error) {
	resp, err := o.client.GenerateContent(ctx, ollamaMessages(p), o.callOptions(p)...)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ollama: empty response")
	}
	return resp.Choices[0].Content, nil
}

// GenerateStream runs generation in a goroutine and hands cumulative text
// to the consumer one chunk at a time. Stopping early cancels generation.
func (o *Ollama) GenerateStream(ctx context.Context, p qwen.Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		snapshots := make(chan string)
		done := make(chan error, 1)
		go func() {
			var text strings.Builder
			opts := append(o.callOptions(p), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				text.Write(chunk)
				select {
				case snapshots <- text.String():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}))
			_, err := o.client.GenerateContent(ctx, ollamaMessages(p), opts...)
			done <- err
			close(snapshots)
		}()

		for s := range snapshots {
			if !yield(s, nil) {
				return
			}
		}
		if err := <-done; err != nil {
			yield("", fmt.Errorf("ollama stream: %w", err))
		}
	}
}

func ollamaMessages(p qwen.Params) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, 2*len(p.History)+2)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, qwen.DefaultSystemPrompt))
	for _, h := range p.History {
		msgs = append(msgs,
			llms.TextParts(llms.ChatMessageTypeHuman, h.User),
			llms.TextParts(llms.ChatMessageTypeAI, h.Assistant),
		)
	}
	if !p.Query.IsContinuation() {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, p.Query.Text))
	}
	return msgs
}

func (o *Ollama) callOptions(p qwen.Params) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(o.model)}
	if p.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*p.Temperature))
	}
	if p.TopK != nil {
		opts = append(opts, llms.WithTopK(*p.TopK))
	}
	if p.TopP != nil {
		opts = append(opts, llms.WithTopP(*p.TopP))
	}
	if p.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*p.MaxTokens))
	}
	if len(p.StopWordsIDs) > 0 {
		words := make([]string, 0, len(p.StopWordsIDs))
		for _, ids := range p.StopWordsIDs {
			words = append(words, o.codec.Decode(ids))
		}
		opts = append(opts, llms.WithStopWords(words))
	}
	return opts
}

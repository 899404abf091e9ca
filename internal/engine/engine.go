package engine

import (
	"context"
	"iter"
	"log/slog"

	"ollm/internal/api"
	"ollm/internal/qwen"
	"ollm/internal/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Backend is a loaded text generator. GenerateStream yields the full text
// generated so far on every step.
type Backend interface {
	Encode(text string) ([]int, error)
	Generate(ctx context.Context, p qwen.Params) (string, error)
	GenerateStream(ctx context.Context, p qwen.Params) iter.Seq2[string, error]
}

type Engine struct {
	backend Backend
	adapter *qwen.Adapter
}

func New(backend Backend) *Engine {
	return &Engine{
		backend: backend,
		adapter: qwen.NewAdapter(backend),
	}
}

// Prepare adapts req without generating. It is what Chat and ChatStream
// send to the backend.
func (e *Engine) Prepare(req *api.ChatCompletionRequest) (qwen.Params, int, error) {
	return e.adapter.ParseRequest(req)
}

func (e *Engine) Chat(ctx context.Context, req *api.ChatCompletionRequest) (api.Choice, api.Usage, error) {
	ctx, span := trace.Tracer().Start(ctx, "engine.chat",
		oteltrace.WithAttributes(
			attribute.String("llm.request.model", req.Model),
			attribute.Int("llm.request.messages", len(req.Messages)),
		),
	)
	defer span.End()

	params, promptTokens, err := e.adapter.ParseRequest(req)
	if err != nil {
		return fail(span, err)
	}

	text, err := e.backend.Generate(ctx, params)
	if err != nil {
		return fail(span, err)
	}

	choice, completionTokens, err := e.adapter.ParseResponse(text)
	if err != nil {
		return fail(span, err)
	}

	usage := api.NewUsage(promptTokens, completionTokens)
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", usage.CompletionTokens),
		attribute.String("llm.response.finish_reason", choice.FinishReason),
	)
	slog.Debug("engine: chat done", "finish_reason", choice.FinishReason, "prompt_tokens", promptTokens, "completion_tokens", completionTokens)
	return choice, usage, nil
}

// ChatStream adapts req and returns the chunk sequence for it. Request
// errors are returned before any chunk is produced. The sequence opens with
// a role-only chunk and closes with a stop chunk once generation ends.
func (e *Engine) ChatStream(ctx context.Context, req *api.ChatCompletionRequest) (iter.Seq2[api.ChunkChoice, error], error) {
	params, promptTokens, err := e.adapter.ParseRequest(req)
	if err != nil {
		return nil, err
	}

	return func(yield func(api.ChunkChoice, error) bool) {
		ctx, span := trace.Tracer().Start(ctx, "engine.chat_stream",
			oteltrace.WithAttributes(
				attribute.String("llm.request.model", req.Model),
				attribute.Int("llm.usage.prompt_tokens", promptTokens),
			),
		)
		defer span.End()

		if !yield(api.ChunkChoice{Index: 0, Delta: api.Delta{Role: api.RoleAssistant, Content: api.String("")}}, nil) {
			return
		}

		chunks := 0
		for c, err := range qwen.Deltas(e.backend.GenerateStream(ctx, params)) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(api.ChunkChoice{}, err)
				return
			}
			chunks++
			if !yield(c, nil) {
				span.SetAttributes(attribute.Bool("llm.stream.abandoned", true))
				return
			}
		}

		span.SetAttributes(attribute.Int("llm.stream.chunks", chunks))
		stop := api.FinishStop
		yield(api.ChunkChoice{Index: 0, Delta: api.Delta{Content: api.String("")}, FinishReason: &stop}, nil)
	}, nil
}

func fail(span oteltrace.Span, err error) (api.Choice, api.Usage, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return api.Choice{}, api.Usage{}, err
}

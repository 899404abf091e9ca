package qwen

import (
	"encoding/json"

	"ollm/internal/api"
)

// runeEncoder yields one token per rune.
type runeEncoder struct{}

func (runeEncoder) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids, nil
}

type failingEncoder struct{ err error }

func (e failingEncoder) Encode(string) ([]int, error) { return nil, e.err }

func msg(role, content string) api.Message {
	return api.Message{Role: role, Content: api.String(content)}
}

func call(content, name, args string) api.Message {
	return api.Message{
		Role:         api.RoleAssistant,
		Content:      api.String(content),
		FunctionCall: &api.FunctionCall{Name: name, Arguments: args},
	}
}

func weatherFunc() api.Function {
	return api.Function{
		Name:        "get_weather",
		Description: "Look up the weather for a city.",
		Parameters:  json.RawMessage(`{ "type": "object", "properties": { "city": { "type": "string" } } }`),
	}
}

func floatPtr(f float64) *float64 { return &f }

func tokens(s string) int { return len([]rune(s)) }

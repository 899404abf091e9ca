package qwen

import (
	"log/slog"
	"strings"
	"unicode"

	"ollm/internal/api"
)

const (
	actionMarker      = "\nAction:"
	actionInputMarker = "\nAction Input:"
	observationMarker = "\nObservation:"
	finalAnswerMarker = "\nFinal Answer: "
)

// Parsed is the structured reading of one raw generation.
type Parsed struct {
	Content      string
	FunctionCall *api.FunctionCall
}

// ParseReAct extracts the last tool invocation from text, or the final
// answer when there is none. Only the rightmost markers count: earlier
// turns echoed into the output may contain the same words.
func ParseReAct(text string) Parsed {
	i := strings.LastIndex(text, actionMarker)
	j := strings.LastIndex(text, actionInputMarker)
	k := strings.LastIndex(text, observationMarker)

	if 0 <= i && i < j {
		if k < j {
			text = strings.TrimRightFunc(text, unicode.IsSpace) + observationMarker
			k = strings.LastIndex(text, observationMarker)
		}
		name := strings.TrimSpace(text[i+len(actionMarker) : j])
		args := strings.TrimSpace(text[j+len(actionInputMarker) : k])
		if name != "" {
			return Parsed{
				Content:      text[:i],
				FunctionCall: &api.FunctionCall{Name: name, Arguments: args},
			}
		}
	}

	if z := strings.LastIndex(text, finalAnswerMarker); z >= 0 {
		text = text[z+len(finalAnswerMarker):]
	}
	return Parsed{Content: text}
}

// ParseResponse converts one completed generation into a choice and
// returns the completion token count.
func (a *Adapter) ParseResponse(text string) (api.Choice, int, error) {
	ids, err := a.enc.Encode(text)
	if err != nil {
		return api.Choice{}, 0, err
	}

	parsed := ParseReAct(text)
	choice := api.Choice{
		Index: 0,
		Message: api.Message{
			Role:    api.RoleAssistant,
			Content: api.String(parsed.Content),
		},
		FinishReason: api.FinishStop,
	}
	if parsed.FunctionCall != nil {
		choice.Message.FunctionCall = parsed.FunctionCall
		choice.FinishReason = api.FinishFunctionCall
		slog.Debug("qwen: function call detected", "name", parsed.FunctionCall.Name)
	}
	return choice, len(ids), nil
}

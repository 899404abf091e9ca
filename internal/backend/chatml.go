package backend

import (
	"strings"

	"ollm/internal/qwen"
)

const (
	imStart = "<|im_start|>"
	imEnd   = "<|im_end|>"
)

// chatMLStops end a ChatML turn; they are always sent as stop sequences.
var chatMLStops = []string{imEnd, imStart}

// RenderChatML lays out history and query in the ChatML format the Qwen
// chat models were trained on. For a continuation query the last assistant
// turn is left open so the model keeps writing it.
func RenderChatML(system string, p qwen.Params) string {
	var b strings.Builder
	b.WriteString(imStart + "system\n" + system + imEnd)
	for _, h := range p.History {
		b.WriteString("\n" + imStart + "user\n" + h.User + imEnd)
		b.WriteString("\n" + imStart + "assistant\n" + h.Assistant + imEnd)
	}
	if p.Query.IsContinuation() {
		return strings.TrimSuffix(b.String(), imEnd)
	}
	b.WriteString("\n" + imStart + "user\n" + p.Query.Text + imEnd)
	b.WriteString("\n" + imStart + "assistant\n")
	return b.String()
}

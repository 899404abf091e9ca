package prompt

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"ollm/internal/api"
	"ollm/internal/backend"
	"ollm/internal/qwen"

	"github.com/spf13/cobra"
)

var (
	vocab      string
	encoding   string
	completion string
)

// Cmd prints the prompt a chat request turns into, without contacting a
// backend. With --completion it also parses a raw model output the way
// the server would.
var Cmd = &cobra.Command{
	Use:   "prompt [request.json]",
	Short: "Render the ChatML prompt for a chat completion request",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		tok, err := backend.NewTokenizer(vocab, encoding)
		if err != nil {
			return err
		}

		var raw string
		if completion != "" {
			b, err := os.ReadFile(completion)
			if err != nil {
				return err
			}
			raw = string(b)
		}
		return render(cmd.OutOrStdout(), in, tok, raw)
	},
}

func init() {
	Cmd.Flags().StringVar(&vocab, "vocab", "", "path to the model's qwen.tiktoken file")
	Cmd.Flags().StringVarP(&encoding, "encoding", "e", "cl100k_base", "built-in tiktoken encoding used when --vocab is unset")
	Cmd.Flags().StringVar(&completion, "completion", "", "file holding a raw model output to parse")
}

type report struct {
	PromptTokens int         `json:"prompt_tokens"`
	Continuation bool        `json:"continuation"`
	Temperature  *float64    `json:"temperature,omitempty"`
	TopK         *int        `json:"top_k,omitempty"`
	TopP         *float64    `json:"top_p,omitempty"`
	MaxTokens    *int        `json:"max_tokens,omitempty"`
	Stop         []string    `json:"stop,omitempty"`
	Choice       *api.Choice `json:"choice,omitempty"`
}

func render(w io.Writer, in io.Reader, codec backend.Codec, raw string) error {
	var req api.ChatCompletionRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}

	adapter := qwen.NewAdapter(codec)
	p, promptTokens, err := adapter.ParseRequest(&req)
	if err != nil {
		return err
	}

	rep := report{
		PromptTokens: promptTokens,
		Continuation: p.Query.IsContinuation(),
		Temperature:  p.Temperature,
		TopK:         p.TopK,
		TopP:         p.TopP,
		MaxTokens:    p.MaxTokens,
	}
	for _, ids := range p.StopWordsIDs {
		rep.Stop = append(rep.Stop, codec.Decode(ids))
	}
	if raw != "" {
		choice, _, err := adapter.ParseResponse(raw)
		if err != nil {
			return err
		}
		rep.Choice = &choice
	}

	if _, err := fmt.Fprintf(w, "%s\n\n", backend.RenderChatML(qwen.DefaultSystemPrompt, p)); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

package qwen

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"ollm/internal/api"
)

// DefaultSystemPrompt is the system text the model was tuned with. Requests
// that send it verbatim are treated as having no system text at all.
const DefaultSystemPrompt = "You are a helpful assistant."

// ObservationStop halts generation before the model invents a tool result.
const ObservationStop = "Observation:"

// greedyTemperature is the threshold below which sampling becomes top_k=1.
const greedyTemperature = 0.01

// Encoder turns text into backend token ids.
type Encoder interface {
	Encode(text string) ([]int, error)
}

type QueryKind int

const (
	QueryText QueryKind = iota
	QueryContinuation
)

// Query is the trailing part of the prompt: either a pending user turn or
// a request to continue the last assistant turn.
type Query struct {
	Kind QueryKind
	Text string
}

func TextQuery(s string) Query { return Query{Kind: QueryText, Text: s} }

func ContinuationQuery() Query { return Query{Kind: QueryContinuation} }

func (q Query) IsContinuation() bool { return q.Kind == QueryContinuation }

// Turn is a logical conversation turn folded from one or more messages.
type Turn struct {
	Role    string
	Content string
}

type HistoryPair struct {
	User      string
	Assistant string
}

// Params are the backend invocation parameters for one request.
type Params struct {
	History      []HistoryPair
	Query        Query
	Temperature  *float64
	TopK         *int
	TopP         *float64
	MaxTokens    *int
	StopWordsIDs [][]int
}

// Adapter translates between chat-completion requests and the flat
// history/query prompt form.
type Adapter struct {
	enc Encoder
}

func NewAdapter(enc Encoder) *Adapter {
	return &Adapter{enc: enc}
}

// ParseRequest folds req into backend parameters and returns them along
// with the prompt token count.
func (a *Adapter) ParseRequest(req *api.ChatCompletionRequest) (Params, int, error) {
	var p Params
	msgs := req.Messages
	if len(msgs) == 0 {
		return p, 0, fmt.Errorf("%w: no messages", ErrUnsupportedMessage)
	}

	system := ""
	if msgs[0].Role == api.RoleSystem {
		system = trim(msgs[0].Text())
		msgs = msgs[1:]
		if system == DefaultSystemPrompt {
			system = ""
		}
	}

	funcs := req.DeclaredFunctions()
	if len(funcs) > 0 {
		tools, err := BuildToolPrompt(funcs)
		if err != nil {
			return p, 0, err
		}
		system = trim(system + "\n\n" + tools)
	}

	turns, err := Fold(msgs)
	if err != nil {
		return p, 0, err
	}

	query := ContinuationQuery()
	if last := turns[len(turns)-1]; last.Role == api.RoleUser {
		query = TextQuery(last.Content)
		turns = turns[:len(turns)-1]
	}

	history, err := Pair(turns)
	if err != nil {
		return p, 0, err
	}

	history, query, err = attachSystem(system, history, query)
	if err != nil {
		return p, 0, err
	}

	promptTokens, err := a.countTokens(history, query)
	if err != nil {
		return p, 0, err
	}

	p.History = history
	p.Query = query
	p.TopP = req.TopP
	p.MaxTokens = req.MaxTokens
	if t := req.Temperature; t != nil {
		if *t < greedyTemperature {
			topK := 1
			p.TopK = &topK
		} else {
			p.Temperature = t
		}
	}

	p.StopWordsIDs, err = a.stopWords(req.Stop, len(funcs) > 0)
	if err != nil {
		return p, 0, err
	}

	slog.Debug("qwen: request adapted",
		"history_pairs", len(history),
		"continuation", query.IsContinuation(),
		"functions", len(funcs),
		"prompt_tokens", promptTokens,
	)
	return p, promptTokens, nil
}

// Fold merges messages (without the leading system message) into
// user/assistant turns. The input slice is never modified.
func Fold(msgs []api.Message) ([]Turn, error) {
	var turns []Turn
	for i, m := range msgs {
		content := trim(m.Text())
		switch m.Role {
		case api.RoleFunction, api.RoleTool:
			if len(turns) == 0 || turns[len(turns)-1].Role != api.RoleAssistant {
				return nil, fmt.Errorf("%w: function result at %d does not follow an assistant turn", ErrUnsupportedMessage, i)
			}
			last := &turns[len(turns)-1]
			last.Content += "\nObservation: " + content
			if i == len(msgs)-1 {
				last.Content += "\nThought:"
			}
		case api.RoleAssistant:
			fc := m.FunctionCall
			if fc == nil && len(m.ToolCalls) > 0 {
				if len(m.ToolCalls) > 1 {
					return nil, fmt.Errorf("%w: %d tool calls at %d, want one", ErrUnsupportedMessage, len(m.ToolCalls), i)
				}
				fc = &m.ToolCalls[0].Function
			}
			text := "\n" + content
			if fc != nil {
				text += "\nAction: " + fc.Name + "\nAction Input: " + fc.Arguments
			}
			if len(turns) == 0 || turns[len(turns)-1].Role == api.RoleUser {
				turns = append(turns, Turn{Role: api.RoleAssistant, Content: trim(text)})
			} else {
				turns[len(turns)-1].Content += text
			}
		case api.RoleUser:
			turns = append(turns, Turn{Role: api.RoleUser, Content: content})
		default:
			return nil, fmt.Errorf("%w: role %q at %d", ErrUnsupportedMessage, m.Role, i)
		}
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: no user or assistant turns", ErrUnsupportedMessage)
	}
	return turns, nil
}

// Pair groups turns into (user, assistant) history pairs.
func Pair(turns []Turn) ([]HistoryPair, error) {
	history := make([]HistoryPair, 0, len(turns)/2)
	for i := 0; i < len(turns); i += 2 {
		if i+1 >= len(turns) {
			return nil, &FormatError{Index: i, Got: []string{turns[i].Role}}
		}
		u, b := turns[i], turns[i+1]
		if u.Role != api.RoleUser || b.Role != api.RoleAssistant {
			return nil, &FormatError{Index: i, Got: []string{u.Role, b.Role}}
		}
		history = append(history, HistoryPair{User: u.Content, Assistant: b.Content})
	}
	return history, nil
}

// attachSystem prepends pending system text to the last history pair, or to
// the query when there is no history.
func attachSystem(system string, history []HistoryPair, query Query) ([]HistoryPair, Query, error) {
	if system == "" {
		return history, query, nil
	}
	if n := len(history); n > 0 {
		history[n-1].User = system + "\n\nQuestion: " + history[n-1].User
		return history, query, nil
	}
	if query.IsContinuation() {
		return history, query, &ConfigurationError{System: system}
	}
	return history, TextQuery(system + "\n\nQuestion: " + query.Text), nil
}

func (a *Adapter) countTokens(history []HistoryPair, query Query) (int, error) {
	n := 0
	for _, h := range history {
		for _, s := range []string{h.User, h.Assistant} {
			ids, err := a.enc.Encode(s)
			if err != nil {
				return 0, err
			}
			n += len(ids)
		}
	}
	if !query.IsContinuation() {
		ids, err := a.enc.Encode(query.Text)
		if err != nil {
			return 0, err
		}
		n += len(ids)
	}
	return n, nil
}

func (a *Adapter) stopWords(requested []string, withFunctions bool) ([][]int, error) {
	var words []string
	for _, s := range requested {
		if s != "" && !slices.Contains(words, s) {
			words = append(words, s)
		}
	}
	if withFunctions && !slices.Contains(words, ObservationStop) {
		words = append(words, ObservationStop)
	}
	if len(words) == 0 {
		return nil, nil
	}

	ids := make([][]int, 0, len(words))
	for _, w := range words {
		enc, err := a.enc.Encode(w)
		if err != nil {
			return nil, err
		}
		ids = append(ids, enc)
	}
	return ids, nil
}

func trim(s string) string {
	return strings.TrimRightFunc(strings.TrimLeft(s, "\n"), unicode.IsSpace)
}

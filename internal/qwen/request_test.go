package qwen

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"ollm/internal/api"
)

func TestParseRequestPlainChat(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	req := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleSystem, DefaultSystemPrompt),
			msg(api.RoleUser, "\n\nHi  \n"),
			msg(api.RoleAssistant, "Hello!"),
			msg(api.RoleUser, "How are you?"),
		},
	}

	p, promptTokens, err := a.ParseRequest(req)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	wantHistory := []HistoryPair{{User: "Hi", Assistant: "Hello!"}}
	if !reflect.DeepEqual(p.History, wantHistory) {
		t.Fatalf("History = %#v, want %#v", p.History, wantHistory)
	}
	if p.Query != TextQuery("How are you?") {
		t.Fatalf("Query = %#v, want text query", p.Query)
	}
	if want := tokens("Hi") + tokens("Hello!") + tokens("How are you?"); promptTokens != want {
		t.Fatalf("prompt tokens = %d, want %d", promptTokens, want)
	}
	if p.StopWordsIDs != nil {
		t.Fatalf("StopWordsIDs = %v, want nil", p.StopWordsIDs)
	}
	if p.Temperature != nil || p.TopK != nil || p.TopP != nil {
		t.Fatalf("sampling should be unset, got temperature=%v top_k=%v top_p=%v", p.Temperature, p.TopK, p.TopP)
	}
}

func TestParseRequestSystemMergedIntoQuery(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	req := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleSystem, "\nBe terse.  "),
			msg(api.RoleUser, "What is 6*7?"),
		},
	}

	p, promptTokens, err := a.ParseRequest(req)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if len(p.History) != 0 {
		t.Fatalf("History = %#v, want empty", p.History)
	}
	want := "Be terse.\n\nQuestion: What is 6*7?"
	if p.Query != TextQuery(want) {
		t.Fatalf("Query = %#v, want %q", p.Query, want)
	}
	if promptTokens != tokens(want) {
		t.Fatalf("prompt tokens = %d, want %d", promptTokens, tokens(want))
	}
}

func TestParseRequestSystemMergedIntoLastPair(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	req := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleSystem, "Speak like a pirate."),
			msg(api.RoleUser, "one"),
			msg(api.RoleAssistant, "1"),
			msg(api.RoleUser, "two"),
			msg(api.RoleAssistant, "2"),
			msg(api.RoleUser, "three"),
		},
	}

	p, _, err := a.ParseRequest(req)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	want := []HistoryPair{
		{User: "one", Assistant: "1"},
		{User: "Speak like a pirate.\n\nQuestion: two", Assistant: "2"},
	}
	if !reflect.DeepEqual(p.History, want) {
		t.Fatalf("History = %#v, want %#v", p.History, want)
	}
	if p.Query != TextQuery("three") {
		t.Fatalf("Query = %#v, want three", p.Query)
	}
}

func TestParseRequestDefaultSystemAbsorbed(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	withDefault := &api.ChatCompletionRequest{Messages: []api.Message{
		msg(api.RoleSystem, DefaultSystemPrompt),
		msg(api.RoleUser, "hello"),
	}}
	without := &api.ChatCompletionRequest{Messages: []api.Message{
		msg(api.RoleUser, "hello"),
	}}

	p1, n1, err := a.ParseRequest(withDefault)
	if err != nil {
		t.Fatalf("ParseRequest(default system) error = %v", err)
	}
	p2, n2, err := a.ParseRequest(without)
	if err != nil {
		t.Fatalf("ParseRequest(no system) error = %v", err)
	}
	if !reflect.DeepEqual(p1, p2) || n1 != n2 {
		t.Fatalf("default system prompt should be absorbed: %#v (%d) vs %#v (%d)", p1, n1, p2, n2)
	}
}

func TestParseRequestToolConversation(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	req := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleUser, "What's the weather in Paris?"),
			call("Thought: I need the weather.", "get_weather", `{"city":"Paris"}`),
			msg(api.RoleFunction, "sunny\n"),
		},
		Functions: []api.Function{weatherFunc()},
	}

	p, promptTokens, err := a.ParseRequest(req)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}

	if !p.Query.IsContinuation() {
		t.Fatalf("Query = %#v, want continuation", p.Query)
	}
	if len(p.History) != 1 {
		t.Fatalf("History has %d pairs, want 1", len(p.History))
	}

	toolPrompt, err := BuildToolPrompt(req.Functions)
	if err != nil {
		t.Fatalf("BuildToolPrompt() error = %v", err)
	}
	wantUser := toolPrompt + "\n\nQuestion: What's the weather in Paris?"
	wantAssistant := "Thought: I need the weather.\nAction: get_weather\nAction Input: {\"city\":\"Paris\"}\nObservation: sunny\nThought:"
	if got := p.History[0].User; got != wantUser {
		t.Fatalf("user text = %q, want %q", got, wantUser)
	}
	if got := p.History[0].Assistant; got != wantAssistant {
		t.Fatalf("assistant text = %q, want %q", got, wantAssistant)
	}
	if want := tokens(wantUser) + tokens(wantAssistant); promptTokens != want {
		t.Fatalf("prompt tokens = %d, want %d (continuation has no query cost)", promptTokens, want)
	}

	wantStop := [][]int{mustEncode(t, ObservationStop)}
	if !reflect.DeepEqual(p.StopWordsIDs, wantStop) {
		t.Fatalf("StopWordsIDs = %v, want %v", p.StopWordsIDs, wantStop)
	}
}

func TestParseRequestMergesMultiStepReasoning(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	req := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleUser, "plan a trip"),
			call("Thought: check flights", "flights", `{}`),
			msg(api.RoleFunction, "F1"),
			call("Thought: check hotels", "hotels", `{"n":2}`),
			msg(api.RoleFunction, "H1"),
			msg(api.RoleAssistant, "Thought: I now know the final answer\nFinal Answer: go"),
			msg(api.RoleUser, "thanks"),
		},
		Functions: []api.Function{weatherFunc()},
	}

	p, _, err := a.ParseRequest(req)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	want := "Thought: check flights\nAction: flights\nAction Input: {}" +
		"\nObservation: F1" +
		"\nThought: check hotels\nAction: hotels\nAction Input: {\"n\":2}" +
		"\nObservation: H1" +
		"\nThought: I now know the final answer\nFinal Answer: go"
	if len(p.History) != 1 || p.History[0].Assistant != want {
		t.Fatalf("History = %#v, want one pair with assistant %q", p.History, want)
	}
	if p.Query != TextQuery("thanks") {
		t.Fatalf("Query = %#v, want thanks without system text", p.Query)
	}
	if !strings.HasSuffix(p.History[0].User, "Begin!\n\nQuestion: plan a trip") {
		t.Fatalf("system text should attach to the last pair: %q", p.History[0].User)
	}
}

func TestParseRequestDoesNotMutateMessages(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	msgs := []api.Message{
		msg(api.RoleSystem, "  custom  "),
		msg(api.RoleUser, "\nq\n"),
		call("\nthink\n", "f", "{}"),
		msg(api.RoleFunction, "r"),
	}
	before := fmt.Sprintf("%#v", msgs)
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text())
	}

	req := &api.ChatCompletionRequest{Messages: msgs, Functions: []api.Function{weatherFunc()}}
	if _, _, err := a.ParseRequest(req); err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if after := fmt.Sprintf("%#v", msgs); after != before {
		t.Fatalf("messages slice mutated:\nbefore %s\nafter  %s", before, after)
	}
	for i, m := range msgs {
		if m.Text() != texts[i] {
			t.Fatalf("message %d content = %q, want %q", i, m.Text(), texts[i])
		}
	}
}

func TestParseRequestSampling(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	base := []api.Message{msg(api.RoleUser, "hi")}

	greedy, _, err := a.ParseRequest(&api.ChatCompletionRequest{Messages: base, Temperature: floatPtr(0.001), TopP: floatPtr(0.5)})
	if err != nil {
		t.Fatalf("ParseRequest(greedy) error = %v", err)
	}
	if greedy.TopK == nil || *greedy.TopK != 1 {
		t.Fatalf("TopK = %v, want 1", greedy.TopK)
	}
	if greedy.Temperature != nil {
		t.Fatalf("Temperature = %v, want nil", *greedy.Temperature)
	}
	if greedy.TopP == nil || *greedy.TopP != 0.5 {
		t.Fatalf("TopP = %v, want 0.5", greedy.TopP)
	}

	warm, _, err := a.ParseRequest(&api.ChatCompletionRequest{Messages: base, Temperature: floatPtr(0.8)})
	if err != nil {
		t.Fatalf("ParseRequest(warm) error = %v", err)
	}
	if warm.Temperature == nil || *warm.Temperature != 0.8 {
		t.Fatalf("Temperature = %v, want 0.8", warm.Temperature)
	}
	if warm.TopK != nil {
		t.Fatalf("TopK = %v, want nil", *warm.TopK)
	}
}

func TestParseRequestStopWords(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	base := []api.Message{msg(api.RoleUser, "hi")}

	tests := []struct {
		name  string
		stop  api.StopList
		funcs []api.Function
		want  [][]int
	}{
		{"none", nil, nil, nil},
		{"functions only", nil, []api.Function{weatherFunc()}, [][]int{mustEncode(t, "Observation:")}},
		{"request only", api.StopList{"END", "", "END"}, nil, [][]int{mustEncode(t, "END")}},
		{
			"both deduplicated",
			api.StopList{"Observation:", "END"},
			[]api.Function{weatherFunc()},
			[][]int{mustEncode(t, "Observation:"), mustEncode(t, "END")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _, err := a.ParseRequest(&api.ChatCompletionRequest{Messages: base, Stop: tt.stop, Functions: tt.funcs})
			if err != nil {
				t.Fatalf("ParseRequest() error = %v", err)
			}
			if !reflect.DeepEqual(p.StopWordsIDs, tt.want) {
				t.Fatalf("StopWordsIDs = %v, want %v", p.StopWordsIDs, tt.want)
			}
		})
	}
}

func TestParseRequestToolsFieldDeclaresFunctions(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	req := &api.ChatCompletionRequest{
		Messages: []api.Message{msg(api.RoleUser, "weather?")},
		Tools:    []api.Tool{{Type: "function", Function: weatherFunc()}},
	}
	p, _, err := a.ParseRequest(req)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if !strings.Contains(p.Query.Text, "get_weather: Call this tool") {
		t.Fatalf("tool prompt missing from query: %q", p.Query.Text)
	}
	if len(p.StopWordsIDs) != 1 {
		t.Fatalf("StopWordsIDs = %v, want the Observation stop", p.StopWordsIDs)
	}
}

func TestParseRequestToolCallConversation(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	legacy := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleUser, "What's the weather in Paris?"),
			call("Thought: I need the weather.", "get_weather", `{"city":"Paris"}`),
			msg(api.RoleFunction, "sunny"),
		},
		Functions: []api.Function{weatherFunc()},
	}
	tools := &api.ChatCompletionRequest{
		Messages: []api.Message{
			msg(api.RoleUser, "What's the weather in Paris?"),
			{
				Role:    api.RoleAssistant,
				Content: api.String("Thought: I need the weather."),
				ToolCalls: []api.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: api.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				}},
			},
			{Role: api.RoleTool, ToolCallID: "call_1", Content: api.String("sunny")},
		},
		Tools: []api.Tool{{Type: "function", Function: weatherFunc()}},
	}

	want, _, err := a.ParseRequest(legacy)
	if err != nil {
		t.Fatalf("ParseRequest(functions) error = %v", err)
	}
	got, _, err := a.ParseRequest(tools)
	if err != nil {
		t.Fatalf("ParseRequest(tools) error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tools conversation = %#v\nwant the function_call rendering %#v", got, want)
	}
}

func TestParseRequestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msgs []api.Message
		want error
	}{
		{"empty", nil, ErrUnsupportedMessage},
		{"system only", []api.Message{msg(api.RoleSystem, "s")}, ErrUnsupportedMessage},
		{"leading assistant", []api.Message{msg(api.RoleAssistant, "a"), msg(api.RoleUser, "q")}, ErrFormat},
		{"two users", []api.Message{msg(api.RoleUser, "a"), msg(api.RoleUser, "b")}, ErrFormat},
		{"function after user", []api.Message{msg(api.RoleUser, "q"), msg(api.RoleFunction, "r")}, ErrUnsupportedMessage},
		{"late system", []api.Message{msg(api.RoleUser, "q"), msg(api.RoleSystem, "s")}, ErrUnsupportedMessage},
		{"tool after user", []api.Message{msg(api.RoleUser, "q"), msg(api.RoleTool, "r")}, ErrUnsupportedMessage},
		{"unknown role", []api.Message{msg(api.RoleUser, "q"), msg("developer", "r")}, ErrUnsupportedMessage},
		{"two tool calls", []api.Message{
			msg(api.RoleUser, "q"),
			{Role: api.RoleAssistant, ToolCalls: []api.ToolCall{
				{ID: "1", Type: "function", Function: api.FunctionCall{Name: "a", Arguments: "{}"}},
				{ID: "2", Type: "function", Function: api.FunctionCall{Name: "b", Arguments: "{}"}},
			}},
		}, ErrUnsupportedMessage},
	}
	a := NewAdapter(runeEncoder{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := a.ParseRequest(&api.ChatCompletionRequest{Messages: tt.msgs})
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseRequest() error = %v, want %v", err, tt.want)
			}
			if !IsClientError(err) {
				t.Fatalf("IsClientError(%v) = false", err)
			}
		})
	}
}

func TestParseRequestFormatErrorDetails(t *testing.T) {
	t.Parallel()

	_, _, err := NewAdapter(runeEncoder{}).ParseRequest(&api.ChatCompletionRequest{Messages: []api.Message{
		msg(api.RoleUser, "a"),
		msg(api.RoleAssistant, "b"),
		msg(api.RoleAssistant, "c"),
		msg(api.RoleUser, "d"),
		msg(api.RoleUser, "e"),
	}})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("ParseRequest() error = %v, want *FormatError", err)
	}
	if fe.Index != 2 || !reflect.DeepEqual(fe.Got, []string{api.RoleUser}) {
		t.Fatalf("FormatError = %+v, want index 2 got [user]", fe)
	}
}

func TestParseRequestEncoderFailurePropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("tokenizer offline")
	_, _, err := NewAdapter(failingEncoder{err: boom}).ParseRequest(&api.ChatCompletionRequest{
		Messages: []api.Message{msg(api.RoleUser, "hi")},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ParseRequest() error = %v, want %v", err, boom)
	}
	if IsClientError(err) {
		t.Fatalf("backend failure classified as client error")
	}
}

func TestAttachSystemToContinuationFails(t *testing.T) {
	t.Parallel()

	_, _, err := attachSystem("rules", nil, ContinuationQuery())
	var ce *ConfigurationError
	if !errors.As(err, &ce) || !errors.Is(err, ErrConfiguration) {
		t.Fatalf("attachSystem() error = %v, want *ConfigurationError", err)
	}
	if ce.System != "rules" {
		t.Fatalf("ConfigurationError.System = %q, want rules", ce.System)
	}
}

func TestHistoryPairCountForAlternatingConversation(t *testing.T) {
	t.Parallel()

	a := NewAdapter(runeEncoder{})
	for n := 0; n < 6; n++ {
		var msgs []api.Message
		for i := 0; i < n; i++ {
			msgs = append(msgs, msg(api.RoleUser, fmt.Sprintf("u%d", i)), msg(api.RoleAssistant, fmt.Sprintf("a%d", i)))
		}
		msgs = append(msgs, msg(api.RoleUser, "last"))

		turns, err := Fold(msgs)
		if err != nil {
			t.Fatalf("Fold() error = %v", err)
		}
		p, _, err := a.ParseRequest(&api.ChatCompletionRequest{Messages: msgs})
		if err != nil {
			t.Fatalf("ParseRequest() error = %v", err)
		}
		if want := (len(turns) - 1) / 2; len(p.History) != want {
			t.Fatalf("n=%d: %d history pairs, want %d", n, len(p.History), want)
		}
	}
}

func mustEncode(t *testing.T, s string) []int {
	t.Helper()
	ids, err := runeEncoder{}.Encode(s)
	if err != nil {
		t.Fatalf("Encode(%q) error = %v", s, err)
	}
	return ids
}

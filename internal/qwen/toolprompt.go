package qwen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"ollm/internal/api"
)

const toolDescTemplate = "%[1]s: Call this tool to interact with the %[1]s API. What is the %[1]s API useful for? %[2]s Parameters: %[3]s"

const reactInstruction = `Answer the following questions as best you can. You have access to the following APIs:

%s

Use the following format:

Question: the input question you must answer
Thought: you should always think about what to do
Action: the action to take, should be one of [%s]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can be repeated zero or more times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question

Begin!`

// BuildToolPrompt renders the declared functions and the ReAct instruction
// block. It returns "" for an empty list.
func BuildToolPrompt(funcs []api.Function) (string, error) {
	if len(funcs) == 0 {
		return "", nil
	}

	descs := make([]string, 0, len(funcs))
	names := make([]string, 0, len(funcs))
	for i, f := range funcs {
		if strings.TrimSpace(f.Name) == "" {
			return "", fmt.Errorf("%w: function %d has no name", ErrInvalidFunction, i)
		}
		params, err := compactParameters(f.Parameters)
		if err != nil {
			return "", fmt.Errorf("%w: function %q: %v", ErrInvalidFunction, f.Name, err)
		}
		descs = append(descs, fmt.Sprintf(toolDescTemplate, f.Name, f.Description, params))
		names = append(names, f.Name)
	}

	return fmt.Sprintf(reactInstruction, strings.Join(descs, "\n\n"), strings.Join(names, ", ")), nil
}

func compactParameters(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", fmt.Errorf("parameters are required")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	return buf.String(), nil
}

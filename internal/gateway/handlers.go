package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"ollm/internal/api"
	"ollm/internal/engine"
	"ollm/internal/qwen"

	"github.com/google/uuid"
)

const (
	errInvalidRequest = "invalid_request_error"
	errServer         = "server_error"
	errUnavailable    = "service_unavailable"
	errNotImplemented = "not_implemented"
)

// fingerprint identifies the prompt format in system_fingerprint.
const fingerprint = "fp_qwen_chatml"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if err := validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	if req.Model == "" {
		req.Model = s.modelID
	}

	eng, err := s.loader.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable, err.Error())
		return
	}

	id := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	slog.Debug("chat completion", "id", id, "model", req.Model, "messages", len(req.Messages), "stream", req.Stream)

	if req.Stream {
		s.streamChat(w, r, eng, id, &req)
		return
	}

	choice, usage, err := eng.Chat(r.Context(), &req)
	if err != nil {
		writeEngineError(w, id, err)
		return
	}
	if req.UsesTools() {
		choice = asToolCall(choice)
	}
	writeJSON(w, http.StatusOK, api.ChatCompletion{
		ID:                id,
		Object:            "chat.completion",
		Created:           s.now().Unix(),
		Model:             req.Model,
		SystemFingerprint: fingerprint,
		Choices:           []api.Choice{choice},
		Usage:             usage,
	})
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, eng *engine.Engine, id string, req *api.ChatCompletionRequest) {
	seq, err := eng.ChatStream(r.Context(), req)
	if err != nil {
		writeEngineError(w, id, err)
		return
	}

	sse := NewSSEWriter(w)
	created := s.now().Unix()
	for choice, err := range seq {
		if err != nil {
			// Headers are gone; report in-band and end the stream.
			slog.Error("chat stream failed", "id", id, "error", err)
			sse.Send(api.ErrorResponse{Error: api.ErrorBody{Message: err.Error(), Type: errServer}})
			return
		}
		chunk := api.ChatCompletionChunk{
			ID:                id,
			Object:            "chat.completion.chunk",
			Created:           created,
			Model:             req.Model,
			SystemFingerprint: fingerprint,
			Choices:           []api.ChunkChoice{choice},
		}
		if err := sse.Send(chunk); err != nil {
			slog.Debug("chat stream client gone", "id", id, "error", err)
			return
		}
	}
	sse.Done()
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.ModelList{
		Object: "list",
		Data: []api.Model{{
			ID:      s.modelID,
			Object:  "model",
			Created: s.now().Unix(),
			OwnedBy: "ollm",
		}},
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, errNotImplemented, "embeddings are not supported by this server")
}

// handleHealthz reports 200 while the server can take requests, including
// before a lazy load has run. It turns 503 only when the last load failed.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": s.loader.State().String()}
	if err := s.loader.Err(); err != nil {
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// asToolCall moves a detected function call into tool_calls for clients
// that declared tools.
func asToolCall(c api.Choice) api.Choice {
	fc := c.Message.FunctionCall
	if fc == nil {
		return c
	}
	c.Message.FunctionCall = nil
	c.Message.ToolCalls = []api.ToolCall{{
		ID:       "call_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:     "function",
		Function: *fc,
	}}
	c.FinishReason = api.FinishToolCalls
	return c
}

func validate(req *api.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	if req.N != nil && *req.N > 1 {
		return errors.New("n > 1 is not supported")
	}
	if req.Logprobs || req.TopLogprobs != nil {
		return errors.New("logprobs are not supported")
	}
	return nil
}

func writeEngineError(w http.ResponseWriter, id string, err error) {
	if qwen.IsClientError(err) {
		slog.Debug("chat request rejected", "id", id, "error", err)
		writeError(w, http.StatusBadRequest, errInvalidRequest, err.Error())
		return
	}
	slog.Error("chat completion failed", "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, errServer, err.Error())
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: api.ErrorBody{Message: msg, Type: typ}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

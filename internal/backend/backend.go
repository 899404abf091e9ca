// Package backend holds the text generators the engine can drive.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"ollm/internal/config"
	"ollm/internal/engine"
)

// Loader returns the engine.LoadFunc for cfg. Loading fetches the token
// encoding and, for the completions backend, checks the server.
func Loader(cfg config.ModelConfig) engine.LoadFunc {
	return func(ctx context.Context) (engine.Backend, error) {
		tok, err := NewTokenizer(cfg.Vocab, cfg.Encoding)
		if err != nil {
			return nil, err
		}
		if cfg.Vocab == "" {
			slog.Warn("backend: no model vocabulary configured, token usage is approximate", "encoding", cfg.Encoding)
		}
		slog.Info("backend: loading", "backend", cfg.Backend, "model", cfg.Name, "base_url", cfg.BaseURL)

		switch cfg.Backend {
		case config.BackendCompletions:
			c := NewCompletions(cfg.BaseURL, cfg.APIKey, cfg.Name, tok)
			if err := c.Check(ctx); err != nil {
				return nil, err
			}
			return c, nil
		case config.BackendOllama:
			return NewOllama(cfg.BaseURL, cfg.Name, tok)
		default:
			return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
		}
	}
}

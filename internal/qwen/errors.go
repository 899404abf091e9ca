package qwen

import (
	"errors"
	"fmt"
)

var (
	ErrFormat             = errors.New("conversation format error")
	ErrConfiguration      = errors.New("prompt configuration error")
	ErrUnsupportedMessage = errors.New("unsupported message")
	ErrInvalidFunction    = errors.New("invalid function declaration")
)

// FormatError reports folded turns that cannot be paired as (user, assistant).
type FormatError struct {
	Index int // position of the offending turn
	Got   []string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: turns at %d are %v, want [user assistant]", ErrFormat, e.Index, e.Got)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// ConfigurationError reports system text that has no turn to attach to.
type ConfigurationError struct {
	System string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: system text (%d bytes) has no history pair or query to attach to", ErrConfiguration, len(e.System))
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// IsClientError reports whether err was caused by the shape of the request
// rather than by the backend.
func IsClientError(err error) bool {
	return errors.Is(err, ErrFormat) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrUnsupportedMessage) ||
		errors.Is(err, ErrInvalidFunction)
}

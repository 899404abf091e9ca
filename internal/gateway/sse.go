package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Send writes data as one unnamed event, the framing chat-completion
// clients expect.
func (s *SSEWriter) Send(data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.write(b)
}

// Done writes the stream terminator.
func (s *SSEWriter) Done() error {
	return s.write([]byte("[DONE]"))
}

func (s *SSEWriter) write(b []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return s.rc.Flush()
}

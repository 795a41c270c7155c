package provider

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	"github.com/openai/openai-go/v3/packages/ssestream"

	"chat-relay/internal/models"
)

// DecodeFunc turns the data of one upstream SSE event into stream events.
type DecodeFunc func(data []byte) ([]models.StreamEvent, error)

// SSEStream adapts a provider's server-sent-event response to models.EventStream.
type SSEStream struct {
	decoder ssestream.Decoder
	decode  DecodeFunc
	pending []models.StreamEvent
	done    bool

	closeOnce sync.Once
	closeErr  error
}

// NewSSEStream takes ownership of resp.Body.
func NewSSEStream(resp *http.Response, decode DecodeFunc) *SSEStream {
	return &SSEStream{
		decoder: ssestream.NewDecoder(resp),
		decode:  decode,
	}
}

// Recv returns the next event, io.EOF at the natural end of the stream, or the
// read/decode error that interrupted it.
func (s *SSEStream) Recv() (models.StreamEvent, error) {
	for len(s.pending) == 0 {
		if s.done {
			return models.StreamEvent{}, io.EOF
		}
		if !s.decoder.Next() {
			if err := s.decoder.Err(); err != nil {
				return models.StreamEvent{}, err
			}
			s.done = true
			continue
		}

		data := bytes.TrimSpace(s.decoder.Event().Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == "[DONE]" {
			s.done = true
			continue
		}

		events, err := s.decode(data)
		if err != nil {
			return models.StreamEvent{}, err
		}
		s.pending = events
	}

	evt := s.pending[0]
	s.pending = s.pending[1:]
	return evt, nil
}

// Close tears down the upstream connection. It is safe to call more than once.
func (s *SSEStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.decoder.Close()
	})
	return s.closeErr
}

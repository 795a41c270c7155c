package relay

import (
	"errors"
	"io"
	"net/http"
)

// Sink is the downstream side of a relay.
type Sink interface {
	Write(p []byte) (int, error)
	// Flush pushes buffered bytes to the client. Writers that cannot flush
	// report nil.
	Flush() error
}

type responseSink struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewResponseSink writes frames to w and flushes through flushTarget. The first
// Write commits the headers already set on the response.
//
// flushTarget should be the innermost http.ResponseWriter: wrappers such as
// echo.Response implement Flush by panicking when the writer underneath cannot
// flush, while the raw writer lets the ResponseController report
// http.ErrNotSupported.
func NewResponseSink(w io.Writer, flushTarget http.ResponseWriter) Sink {
	return &responseSink{w: w, rc: http.NewResponseController(flushTarget)}
}

func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *responseSink) Flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

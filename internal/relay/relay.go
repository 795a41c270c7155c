// Package relay pumps provider stream events to the client as tagged-line
// frames.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"chat-relay/internal/diagnostics"
	"chat-relay/internal/models"
	"chat-relay/internal/provider"
)

// State is a relay lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "upstream-connecting"
	StateRelaying   State = "relaying"
	StateFinished   State = "finished"
	StateAborted    State = "aborted"
)

// Terminal reasons recorded with the outcome counter.
const (
	ReasonComplete      = "complete"
	ReasonConnectFailed = "connect_failed"
	ReasonClientGone    = "client_gone"
	ReasonUpstreamError = "upstream_error"
	ReasonWriteError    = "write_error"
)

const defaultFinishReason = "stop"

// ErrNotOpen is returned by Run before a successful Open.
var ErrNotOpen = errors.New("relay: upstream stream not open")

// Opener starts the upstream stream.
type Opener func(ctx context.Context) (models.EventStream, error)

// Relay carries one streaming request from upstream connection to close.
// It is not safe for concurrent use.
type Relay struct {
	provider string
	diag     *diagnostics.Diagnostics

	state     State
	reason    string
	stream    models.EventStream
	sawFinish bool
	committed bool
	closeOnce sync.Once
}

// New returns an idle relay for provider.
func New(provider string, diag *diagnostics.Diagnostics) *Relay {
	return &Relay{
		provider: provider,
		diag:     diag,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	return r.state
}

// Reason returns why the relay reached its terminal state.
func (r *Relay) Reason() string {
	return r.reason
}

// Committed reports whether a frame has been handed to the sink, after which
// the response status and headers can no longer change.
func (r *Relay) Committed() bool {
	return r.committed
}

// Open connects upstream. On failure the relay is aborted and nothing has been
// written downstream, so the caller still owns the response.
func (r *Relay) Open(ctx context.Context, open Opener) error {
	if r.state != StateIdle {
		return fmt.Errorf("relay: open in state %s", r.state)
	}
	r.state = StateConnecting

	stream, err := open(ctx)
	if err != nil {
		r.terminate(StateAborted, ReasonConnectFailed)
		return err
	}
	r.stream = stream
	r.state = StateRelaying
	return nil
}

// Run relays events in upstream order until the stream ends, the upstream
// fails, or the client goes away. The upstream is closed exactly once before
// Run returns. An upstream failure before the first frame is returned as is,
// with nothing written, so the caller can answer it like a connect failure.
// After that only downstream write failures that are not disconnects are
// returned.
func (r *Relay) Run(sink Sink) error {
	if r.state != StateRelaying {
		return ErrNotOpen
	}
	defer r.closeUpstream()

	for {
		evt, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			if !r.sawFinish {
				if err := r.emit(sink, FinishFrame(defaultFinishReason)); err != nil {
					return r.writeFailed(err)
				}
			}
			r.terminate(StateFinished, ReasonComplete)
			return nil
		}
		if err != nil {
			return r.upstreamFailed(sink, err)
		}

		var frame []byte
		switch evt.Kind {
		case models.EventTextDelta:
			frame = TextFrame(evt.Text)
		case models.EventFinish:
			r.sawFinish = true
			frame = FinishFrame(evt.Reason)
		default:
			continue
		}
		if err := r.emit(sink, frame); err != nil {
			return r.writeFailed(err)
		}
	}
}

func (r *Relay) emit(sink Sink, frame []byte) error {
	r.committed = true
	if _, err := sink.Write(frame); err != nil {
		return err
	}
	return sink.Flush()
}

func (r *Relay) writeFailed(err error) error {
	r.closeUpstream()
	if IsClientGone(err) {
		slog.Debug("client disconnected during stream", "provider", r.provider, "error", err)
		r.terminate(StateAborted, ReasonClientGone)
		return nil
	}
	r.terminate(StateAborted, ReasonWriteError)
	return fmt.Errorf("relay write: %w", err)
}

func (r *Relay) upstreamFailed(sink Sink, err error) error {
	r.closeUpstream()
	if IsClientGone(err) {
		slog.Debug("stream cancelled", "provider", r.provider, "error", err)
		r.terminate(StateAborted, ReasonClientGone)
		return nil
	}

	slog.Warn("upstream stream failed", "provider", r.provider, "error", err)
	r.terminate(StateAborted, ReasonUpstreamError)

	if !r.committed {
		return err
	}
	if werr := r.emit(sink, ErrorFrame(errorMessage(err))); werr != nil && !IsClientGone(werr) {
		return fmt.Errorf("relay write: %w", werr)
	}
	return nil
}

func (r *Relay) closeUpstream() {
	r.closeOnce.Do(func() {
		if r.stream == nil {
			return
		}
		if err := r.stream.Close(); err != nil {
			slog.Debug("close upstream stream", "provider", r.provider, "error", err)
		}
	})
}

func (r *Relay) terminate(state State, reason string) {
	r.state = state
	r.reason = reason
	r.diag.RelayOutcome(r.provider, string(state), reason)
}

func errorMessage(err error) string {
	var upstreamErr *provider.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Message
	}
	return err.Error()
}

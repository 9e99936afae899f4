package intent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Sink receives intents. Implementations deliver them to different
// backends (stdout, webhook, journal, in-process callback).
type Sink interface {
	Send(ctx context.Context, in Intent) error
	Close() error
}

// Router fans out intents to all configured sinks. One sink error does not
// block the others: errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Send(ctx context.Context, in Intent) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Send(ctx, in); err != nil {
			r.logger.Warn("intent: send failed", "op", string(in.Op), "id", in.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stdout writes intents as JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, in Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: "intent", Data: in})
}

func (s *Stdout) Close() error { return nil }

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Func is called for each intent.
type Func func(ctx context.Context, in Intent) error

// Callback delivers intents via Go function calls.
type Callback struct {
	fn Func
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn Func) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, in Intent) error {
	if c.fn != nil {
		return c.fn(ctx, in)
	}
	return nil
}

func (c *Callback) Close() error { return nil }

// Discard drops every intent.
type Discard struct{}

func (Discard) Send(context.Context, Intent) error { return nil }
func (Discard) Close() error                       { return nil }

// Recorder keeps every intent it receives, in order.
type Recorder struct {
	mu      sync.Mutex
	intents []Intent
}

func (r *Recorder) Send(_ context.Context, in Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Intents returns a copy of what was recorded.
func (r *Recorder) Intents() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Intent(nil), r.intents...)
}

// Latest returns the most recent record per intent id, in first-seen order.
func (r *Recorder) Latest() []Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := make(map[string]int)
	var out []Intent
	for _, in := range r.intents {
		if i, ok := idx[in.ID]; ok {
			out[i] = in
			continue
		}
		idx[in.ID] = len(out)
		out = append(out, in)
	}
	return out
}

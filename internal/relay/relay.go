// Package relay implements the per-client evaluation relay: it owns at most
// one upstream scoring session at a time, forwards the learner's audio to it
// and turns upstream results into client events.
//
// A Relay moves through Idle → Connecting → Streaming → Finalizing → Closed,
// with Error reachable from Connecting and Streaming. Begin may be called in
// any state and always tears down the previous upstream first. Events are
// delivered to the Emitter one at a time; events belonging to a superseded
// upstream are dropped.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
)

// Status messages sent to the client.
const (
	StatusConnected        = "Connected"
	StatusConnectionClosed = "Connection Closed"
)

// transportErrorMessage is what the client sees for any dial or transport
// failure. Details go to the log.
const transportErrorMessage = "WebSocket Error"

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("relay: closed")

// State is the relay's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateFinalizing
	StateClosed
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the three client event types.
type EventKind int

const (
	EventStatus EventKind = iota
	EventResult
	EventError
)

// Event is one message for the client.
type Event struct {
	Kind EventKind

	// Message is set for status and error events.
	Message string

	// Status, XML and Raw are set for result events.
	Status int
	XML    string
	Raw    []byte
}

// Emitter receives client events. Calls are serialised by the relay.
type Emitter func(Event)

// BeginRequest names the assessment profile and the text to be read.
type BeginRequest struct {
	Language string
	Text     string
}

// Option is a functional option for [New].
type Option func(*Relay)

// WithMetrics records frame and result counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithID sets the identifier used in log lines.
func WithID(id string) Option {
	return func(r *Relay) {
		r.id = id
	}
}

// Relay is safe for concurrent use, but Audio and Stop are expected from a
// single reader goroutine so that chunks keep their order.
type Relay struct {
	provider scoring.Provider
	emit     Emitter
	metrics  *observe.Metrics
	id       string

	emitMu sync.Mutex
	sendMu sync.Mutex

	mu     sync.Mutex
	state  State
	sess   scoring.Session
	gen    uint64
	closed bool

	wg sync.WaitGroup
}

// New creates an idle Relay that opens upstream sessions through provider.
func New(provider scoring.Provider, emit Emitter, opts ...Option) *Relay {
	r := &Relay{
		provider: provider,
		emit:     emit,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// State returns the current lifecycle phase.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Begin starts a new evaluation of req.Text. Any previous upstream session is
// closed first. On success the relay is Streaming and a Connected status has
// been emitted; on failure the relay is in Error and the client got an error
// event followed by a Connection Closed status.
func (r *Relay) Begin(ctx context.Context, req BeginRequest) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.sess
	r.sess = nil
	r.gen++
	gen := r.gen
	r.state = StateConnecting
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	ctx, span := observe.StartSpan(ctx, "relay.begin")
	defer span.End()
	span.SetAttributes(attribute.String("language", req.Language))

	start := time.Now()
	sess, err := r.provider.Open(ctx, scoring.Request{Language: req.Language, Text: req.Text})
	r.metrics.EvaluationOpenDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("ok", err == nil)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("relay: open upstream failed", "session", r.id, "err", err)

		r.mu.Lock()
		current := gen == r.gen
		if current {
			r.state = StateError
		}
		r.mu.Unlock()
		if current {
			r.metrics.RecordEvaluationResult(ctx, "transport_error")
			r.send(Event{Kind: EventError, Message: transportErrorMessage})
			r.send(Event{Kind: EventStatus, Message: StatusConnectionClosed})
		}
		return err
	}
	r.metrics.RecordEvaluationFrame(ctx, "first")

	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		_ = sess.Close()
		if r.closed {
			return ErrClosed
		}
		return nil
	}
	r.sess = sess
	r.state = StateStreaming
	ready := make(chan struct{})
	r.wg.Add(1)
	go r.forward(gen, sess, ready)
	r.mu.Unlock()

	slog.Info("relay: evaluation started", "session", r.id, "language", req.Language)
	r.send(Event{Kind: EventStatus, Message: StatusConnected})
	close(ready)
	return nil
}

// Audio forwards one PCM chunk. It is ignored unless the relay is Streaming.
func (r *Relay) Audio(ctx context.Context, chunk []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.state != StateStreaming {
		r.mu.Unlock()
		return nil
	}
	sess := r.sess
	r.mu.Unlock()

	if err := sess.SendAudio(ctx, chunk); err != nil {
		return err
	}
	r.metrics.RecordEvaluationFrame(ctx, "continue")
	return nil
}

// Stop sends the end-of-audio frame and moves to Finalizing. It is a no-op
// unless the relay is Streaming.
func (r *Relay) Stop(ctx context.Context) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.state != StateStreaming {
		r.mu.Unlock()
		return nil
	}
	r.state = StateFinalizing
	sess := r.sess
	r.mu.Unlock()

	if err := sess.Finish(ctx); err != nil {
		return err
	}
	r.metrics.RecordEvaluationFrame(ctx, "last")
	return nil
}

// Close tears down the upstream session, if any, and waits for the result
// forwarder. No events are emitted after Close returns. Safe to call more
// than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.state = StateClosed
	r.gen++
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	r.wg.Wait()
	return nil
}

// forward relays results of the session opened as generation gen until its
// channel closes.
func (r *Relay) forward(gen uint64, sess scoring.Session, ready <-chan struct{}) {
	defer r.wg.Done()
	<-ready

	ctx := context.Background()
	for res := range sess.Results() {
		if !r.current(gen) {
			continue
		}
		switch {
		case res.Err != nil && errors.Is(res.Err, scoring.ErrTransport):
			slog.Warn("relay: upstream transport error", "session", r.id, "err", res.Err)
			r.metrics.RecordEvaluationResult(ctx, "transport_error")
			r.setState(gen, StateError)
			r.send(Event{Kind: EventError, Message: transportErrorMessage})
		case res.Err != nil:
			slog.Debug("relay: upstream reported error", "session", r.id, "err", res.Err)
			r.metrics.RecordEvaluationResult(ctx, "protocol_error")
			r.send(Event{Kind: EventError, Message: res.Err.Error()})
		default:
			kind := "partial"
			if res.Status == 2 {
				kind = "final"
			}
			r.metrics.RecordEvaluationResult(ctx, kind)
			r.send(Event{Kind: EventResult, Status: res.Status, XML: res.XML, Raw: res.Raw})
		}
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if r.state != StateError {
		r.state = StateClosed
	}
	r.sess = nil
	r.mu.Unlock()

	_ = sess.Close()
	slog.Info("relay: upstream closed", "session", r.id)
	r.send(Event{Kind: EventStatus, Message: StatusConnectionClosed})
}

func (r *Relay) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.gen
}

func (r *Relay) setState(gen uint64, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.state = s
	}
}

func (r *Relay) send(ev Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.emit(ev)
}

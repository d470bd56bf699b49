// Package scoring defines the Provider interface for pronunciation-scoring
// backends.
//
// A scoring provider wraps a remote assessment service (e.g., iFlytek ISE)
// that receives a target text plus a live stream of 16 kHz mono 16-bit PCM
// audio and returns structured per-character scores. The central abstraction
// is Session: once opened, it accepts audio chunks in order, is told when the
// utterance is over, and emits Result values until the upstream connection
// closes.
//
// Implementations must be safe for concurrent use across sessions. A single
// Session expects audio from one goroutine; Close may be called from any
// goroutine.
package scoring

import (
	"context"
	"errors"
)

// ErrTransport marks a Result whose Err describes an abnormal failure of the
// upstream connection (network error, connection reset). A transport error is
// always the last Result emitted before Results is closed.
var ErrTransport = errors.New("scoring: transport error")

// ErrSessionClosed is returned by SendAudio and Finish after Close.
var ErrSessionClosed = errors.New("scoring: session closed")

// Request describes what the learner is going to read.
type Request struct {
	// Language selects the provider's assessment profile (iFlytek "ent"
	// values such as "cn_vip" or "en_vip").
	Language string

	// Text is the target practice text the learner reads aloud.
	Text string
}

// Result is one message received from the upstream service.
type Result struct {
	// Status is the provider's completion marker. For ISE, 2 means final;
	// lower values are partial results.
	Status int

	// XML is the decoded structured result document.
	XML string

	// Raw is the provider's undecoded result payload, kept for debugging.
	Raw []byte

	// Err is set when the upstream reported a protocol error or the transport
	// failed. Protocol errors leave the session usable; errors wrapping
	// ErrTransport are terminal.
	Err error
}

// Session represents one open upstream evaluation. It is an interface so that
// test code can provide mock implementations without a live connection.
type Session interface {
	// SendAudio forwards a PCM chunk upstream. Chunks are written in call
	// order with no buffering or coalescing.
	SendAudio(ctx context.Context, chunk []byte) error

	// Finish signals end-of-utterance. Results may keep arriving afterwards.
	Finish(ctx context.Context) error

	// Results returns a channel of upstream results. The channel is closed
	// when the upstream connection ends, for whatever reason.
	Results() <-chan Result

	// Close tears down the upstream connection. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any pronunciation-scoring backend.
type Provider interface {
	// Open dials the upstream service and performs the handshake for req.
	// The context bounds the dial and handshake only; the returned Session
	// lives until Close or until the upstream ends it.
	Open(ctx context.Context, req Request) (Session, error)
}

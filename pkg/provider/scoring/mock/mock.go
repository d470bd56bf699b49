// Package mock provides test doubles for the scoring package interfaces.
//
// Use Provider to verify which requests were opened and to hand out Sessions.
// Use Session to inject Result values (Emit), simulate the upstream closing
// (End), and inspect which audio chunks were delivered.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Open(ctx, scoring.Request{Language: "cn_vip", Text: "你好"})
//	p.Sessions()[0].Emit(scoring.Result{Status: 2, XML: "<xml/>"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Req is the Request passed to Open.
	Req scoring.Request
}

// Provider is a mock implementation of scoring.Provider.
type Provider struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	sessions []*Session
}

// Open records the call and returns a fresh Session, or OpenErr.
func (p *Provider) Open(ctx context.Context, req scoring.Request) (scoring.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Req: req})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns the sessions handed out so far, in order. Thread-safe.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Calls returns a snapshot of recorded Open calls. Thread-safe.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenCall, len(p.OpenCalls))
	copy(out, p.OpenCalls)
	return out
}

// Ensure Provider implements scoring.Provider at compile time.
var _ scoring.Provider = (*Provider)(nil)

// Session is a mock implementation of scoring.Session.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinishErr, if non-nil, is returned by Finish.
	FinishErr error

	// Audio holds a copy of every chunk passed to SendAudio, in order.
	Audio [][]byte

	// FinishCallCount is the number of times Finish was called.
	FinishCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	chMu    sync.Mutex
	results chan scoring.Result
	ended   bool
}

// NewSession returns a Session with a buffered results channel.
func NewSession() *Session {
	return &Session{results: make(chan scoring.Result, 64)}
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.Audio = append(s.Audio, c)
	return nil
}

// Finish records the call and returns FinishErr.
func (s *Session) Finish(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishCallCount++
	return s.FinishErr
}

// Results returns the channel fed by Emit and closed by End.
func (s *Session) Results() <-chan scoring.Result { return s.results }

// Close records the call and ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.End()
	return nil
}

// Emit delivers r to the consumer. It is a no-op after End. The results
// buffer holds 64 values; tests must not emit more without a reader.
func (s *Session) Emit(r scoring.Result) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.ended {
		return
	}
	s.results <- r
}

// End simulates the upstream closing the connection. Safe to call more than
// once.
func (s *Session) End() {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.results)
}

// Snapshot returns copies of the recorded counters. Thread-safe.
func (s *Session) Snapshot() (audio [][]byte, finishes, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio = make([][]byte, len(s.Audio))
	copy(audio, s.Audio)
	return audio, s.FinishCallCount, s.CloseCallCount
}

// Ensure Session implements scoring.Session at compile time.
var _ scoring.Session = (*Session)(nil)

package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/relay"
	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
	"github.com/MrWong99/tonecoach/pkg/provider/scoring/mock"
)

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []relay.Event
}

func (r *recorder) emit(ev relay.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []relay.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relay.Event, len(r.events))
	copy(out, r.events)
	return out
}

// waitLen blocks until at least n events were recorded.
func (r *recorder) waitLen(t *testing.T, n int) []relay.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs := r.snapshot()
		if len(evs) >= n {
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %v", n, evs)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newRelay(t *testing.T, p scoring.Provider) (*relay.Relay, *recorder) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := &recorder{}
	r := relay.New(p, rec.emit, relay.WithMetrics(m), relay.WithID("test"))
	t.Cleanup(func() { _ = r.Close() })
	return r, rec
}

func begin(t *testing.T, r *relay.Relay) {
	t.Helper()
	if err := r.Begin(context.Background(), relay.BeginRequest{Language: "cn_vip", Text: "你好"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
}

func status(msg string) relay.Event { return relay.Event{Kind: relay.EventStatus, Message: msg} }

func sameEvent(a, b relay.Event) bool {
	return a.Kind == b.Kind && a.Message == b.Message && a.Status == b.Status && a.XML == b.XML
}

func TestBegin_EmitsConnected(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)

	begin(t, r)

	if r.State() != relay.StateStreaming {
		t.Errorf("State = %s, want streaming", r.State())
	}
	evs := rec.snapshot()
	if len(evs) != 1 || !sameEvent(evs[0], status(relay.StatusConnected)) {
		t.Errorf("events = %+v, want [Connected]", evs)
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Req.Language != "cn_vip" || calls[0].Req.Text != "你好" {
		t.Errorf("Open calls = %+v", calls)
	}
}

func TestBegin_OpenFailure(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{OpenErr: errors.New("dial refused")}
	r, rec := newRelay(t, p)

	err := r.Begin(context.Background(), relay.BeginRequest{Language: "cn_vip", Text: "你好"})
	if err == nil {
		t.Fatal("Begin succeeded, want error")
	}
	if r.State() != relay.StateError {
		t.Errorf("State = %s, want error", r.State())
	}
	evs := rec.snapshot()
	want := []relay.Event{
		{Kind: relay.EventError, Message: "WebSocket Error"},
		status(relay.StatusConnectionClosed),
	}
	if len(evs) != len(want) {
		t.Fatalf("events = %+v, want %+v", evs, want)
	}
	for i := range want {
		if !sameEvent(evs[i], want[i]) {
			t.Errorf("event[%d] = %+v, want %+v", i, evs[i], want[i])
		}
	}
}

func TestBegin_ClosesPreviousUpstream(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)

	begin(t, r)
	begin(t, r)

	sessions := p.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if _, _, closes := sessions[0].Snapshot(); closes != 1 {
		t.Errorf("first session closed %d times, want 1", closes)
	}
	if _, _, closes := sessions[1].Snapshot(); closes != 0 {
		t.Errorf("second session closed %d times, want 0", closes)
	}

	// Results of the superseded upstream never reach the client.
	sessions[1].Emit(scoring.Result{Status: 2, XML: "<new/>"})
	evs := rec.waitLen(t, 3)
	for _, ev := range evs {
		if ev.Message == relay.StatusConnectionClosed {
			t.Errorf("superseded upstream leaked %+v", ev)
		}
	}
	if last := evs[len(evs)-1]; last.Kind != relay.EventResult || last.XML != "<new/>" {
		t.Errorf("last event = %+v, want the new session's result", last)
	}
}

func TestAudio_ForwardedInOrder(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, _ := newRelay(t, p)
	begin(t, r)

	for i := range 5 {
		if err := r.Audio(context.Background(), []byte{byte(i), byte(i)}); err != nil {
			t.Fatalf("Audio: %v", err)
		}
	}

	audio, _, _ := p.Sessions()[0].Snapshot()
	if len(audio) != 5 {
		t.Fatalf("chunks = %d, want 5", len(audio))
	}
	for i, c := range audio {
		if c[0] != byte(i) {
			t.Errorf("chunk %d = %v", i, c)
		}
	}
}

func TestAudio_IgnoredOutsideStreaming(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, _ := newRelay(t, p)

	if err := r.Audio(context.Background(), []byte{1}); err != nil {
		t.Errorf("Audio before Begin: %v", err)
	}
	begin(t, r)
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Audio(context.Background(), []byte{2}); err != nil {
		t.Errorf("Audio after Stop: %v", err)
	}
	_ = r.Close()
	if err := r.Audio(context.Background(), []byte{3}); err != nil {
		t.Errorf("Audio after Close: %v", err)
	}

	if audio, _, _ := p.Sessions()[0].Snapshot(); len(audio) != 0 {
		t.Errorf("chunks = %v, want none", audio)
	}
}

func TestStop_OnlyWhileStreaming(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, _ := newRelay(t, p)

	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Begin: %v", err)
	}
	begin(t, r)
	for range 3 {
		if err := r.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if r.State() != relay.StateFinalizing {
		t.Errorf("State = %s, want finalizing", r.State())
	}
	if _, finishes, _ := p.Sessions()[0].Snapshot(); finishes != 1 {
		t.Errorf("Finish calls = %d, want 1", finishes)
	}
}

func TestResults_ForwardedAfterStop(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)
	begin(t, r)
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sess := p.Sessions()[0]
	sess.Emit(scoring.Result{Status: 1, XML: "<partial/>"})
	sess.Emit(scoring.Result{Status: 2, XML: "<final/>", Raw: []byte(`{"status":2}`)})
	sess.End()

	evs := rec.waitLen(t, 4)
	want := []relay.Event{
		status(relay.StatusConnected),
		{Kind: relay.EventResult, Status: 1, XML: "<partial/>"},
		{Kind: relay.EventResult, Status: 2, XML: "<final/>"},
		status(relay.StatusConnectionClosed),
	}
	for i := range want {
		if !sameEvent(evs[i], want[i]) {
			t.Errorf("event[%d] = %+v, want %+v", i, evs[i], want[i])
		}
	}
	if string(evs[2].Raw) != `{"status":2}` {
		t.Errorf("raw = %q", evs[2].Raw)
	}
	if r.State() != relay.StateClosed {
		t.Errorf("State = %s, want closed", r.State())
	}
}

func TestResults_ProtocolErrorKeepsStreaming(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)
	begin(t, r)

	sess := p.Sessions()[0]
	sess.Emit(scoring.Result{Err: fmt.Errorf("Error %d: %s", 10163, "bad param")})
	evs := rec.waitLen(t, 2)

	if evs[1].Kind != relay.EventError || evs[1].Message != "Error 10163: bad param" {
		t.Errorf("event = %+v", evs[1])
	}
	if r.State() != relay.StateStreaming {
		t.Errorf("State = %s, want streaming", r.State())
	}
	if _, _, closes := sess.Snapshot(); closes != 0 {
		t.Errorf("session closed %d times after protocol error", closes)
	}
	if err := r.Audio(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if audio, _, _ := sess.Snapshot(); len(audio) != 1 {
		t.Errorf("chunks = %d, want 1", len(audio))
	}
}

func TestResults_TransportError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)
	begin(t, r)

	sess := p.Sessions()[0]
	sess.Emit(scoring.Result{Err: fmt.Errorf("%w: connection reset", scoring.ErrTransport)})
	sess.End()

	evs := rec.waitLen(t, 3)
	if evs[1].Kind != relay.EventError || evs[1].Message != "WebSocket Error" {
		t.Errorf("event[1] = %+v, want WebSocket Error", evs[1])
	}
	if !sameEvent(evs[2], status(relay.StatusConnectionClosed)) {
		t.Errorf("event[2] = %+v, want Connection Closed", evs[2])
	}
	if r.State() != relay.StateError {
		t.Errorf("State = %s, want error", r.State())
	}
	if err := r.Audio(context.Background(), []byte{1}); err != nil {
		t.Errorf("Audio: %v", err)
	}
	if audio, _, _ := sess.Snapshot(); len(audio) != 0 {
		t.Errorf("audio forwarded after transport error")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)
	begin(t, r)

	for range 3 {
		if err := r.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if _, _, closes := p.Sessions()[0].Snapshot(); closes != 1 {
		t.Errorf("upstream closed %d times, want 1", closes)
	}
	if r.State() != relay.StateClosed {
		t.Errorf("State = %s, want closed", r.State())
	}
	// The client is gone, so no Connection Closed status is emitted.
	if evs := rec.snapshot(); len(evs) != 1 {
		t.Errorf("events = %+v, want only Connected", evs)
	}
	if err := r.Begin(context.Background(), relay.BeginRequest{Text: "x"}); !errors.Is(err, relay.ErrClosed) {
		t.Errorf("Begin after Close: err = %v, want ErrClosed", err)
	}
}

func TestClose_WithoutBegin(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	r, rec := newRelay(t, p)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(p.Calls()) != 0 || len(rec.snapshot()) != 0 {
		t.Error("Close without Begin touched the provider or emitted events")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    relay.State
		want string
	}{
		{relay.StateIdle, "idle"},
		{relay.StateConnecting, "connecting"},
		{relay.StateStreaming, "streaming"},
		{relay.StateFinalizing, "finalizing"},
		{relay.StateClosed, "closed"},
		{relay.StateError, "error"},
		{relay.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

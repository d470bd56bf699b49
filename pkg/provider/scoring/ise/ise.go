// Package ise provides an iFlytek ISE (Intelligent Speech Evaluation)
// backed scoring provider using the ISE v2 streaming WebSocket API. It
// implements the scoring.Provider interface.
//
// Every Open signs a fresh URL (see [Sign]), dials the service, and sends the
// handshake frame carrying the target text. Audio chunks then travel as
// continue frames and the utterance is closed with a last frame. Results are
// decoded from base64 XML and delivered on the session's Results channel.
package ise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
)

const (
	defaultEndpoint         = "ws://ise-api-sg.xf-yun.com/v2/ise"
	defaultHandshakeTimeout = 10 * time.Second
	resultBuffer            = 16
)

// Compile-time interface assertion.
var _ scoring.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ISE Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint. The signature covers the
// endpoint's host and path, so both are taken from this URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHandshakeTimeout bounds the dial plus handshake frame. Streaming reads
// are not bounded.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.handshakeTimeout = d
	}
}

// WithClock replaces the time source used for the signature date.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements scoring.Provider backed by the iFlytek ISE service.
type Provider struct {
	creds            Credentials
	endpoint         string
	handshakeTimeout time.Duration
	now              func() time.Time
	httpClient       *http.Client
}

// New creates a new ISE Provider. appID, apiKey and apiSecret must be
// non-empty.
func New(appID, apiKey, apiSecret string, opts ...Option) (*Provider, error) {
	if appID == "" {
		return nil, errors.New("ise: appID must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("ise: apiKey must not be empty")
	}
	if apiSecret == "" {
		return nil, errors.New("ise: apiSecret must not be empty")
	}
	p := &Provider{
		creds:            Credentials{AppID: appID, APIKey: apiKey, APISecret: apiSecret},
		endpoint:         defaultEndpoint,
		handshakeTimeout: defaultHandshakeTimeout,
		now:              time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("ise: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ise: endpoint %q has no host", p.endpoint)
	}
	p.creds.Host = u.Host
	p.creds.Path = u.Path
	return p, nil
}

// Open dials ISE with a freshly signed URL and sends the handshake frame.
func (p *Provider) Open(ctx context.Context, req scoring.Request) (scoring.Session, error) {
	if req.Text == "" {
		return nil, errors.New("ise: target text must not be empty")
	}

	date := p.now().UTC().Format(http.TimeFormat)
	wsURL, err := SignedURL(p.endpoint, p.creds, date)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if p.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.handshakeTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("ise: dial: %w", err)
	}
	// Result documents for long paragraphs exceed the library's 32 KiB default.
	conn.SetReadLimit(4 << 20)

	first, err := EncodeFirst(p.creds.AppID, req.Language, req.Text)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode handshake")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, first); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("ise: send handshake: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		appID:   p.creds.AppID,
		results: make(chan scoring.Result, resultBuffer),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.readLoop(readCtx)
	return s, nil
}

// ---- session ----

// session is a live ISE evaluation. It implements scoring.Session.
type session struct {
	conn    *websocket.Conn
	appID   string
	results chan scoring.Result

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
}

// SendAudio writes one continue frame.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return scoring.ErrSessionClosed
	}
	frame, err := EncodeContinue(s.appID, chunk)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("ise: send audio: %w", err)
	}
	return nil
}

// Finish writes the last frame.
func (s *session) Finish(ctx context.Context) error {
	if s.isClosed() {
		return scoring.ErrSessionClosed
	}
	frame, err := EncodeLast(s.appID)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("ise: send last frame: %w", err)
	}
	return nil
}

// Results returns the channel of decoded results.
func (s *session) Results() <-chan scoring.Result { return s.results }

// Close closes the upstream connection and waits for the reader to exit.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) emit(r scoring.Result) {
	select {
	case s.results <- r:
	case <-s.closed:
	}
}

// readLoop decodes upstream messages until the connection ends. A close frame
// from the service is a normal end; anything else is reported as a transport
// error unless the session was closed locally.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if s.isClosed() || websocket.CloseStatus(err) != -1 {
				return
			}
			s.emit(scoring.Result{Err: fmt.Errorf("%w: %v", scoring.ErrTransport, err)})
			return
		}

		ev, err := DecodeResponse(msg)
		if err != nil {
			var respErr *ResponseError
			if errors.As(err, &respErr) {
				s.emit(scoring.Result{Err: respErr})
				continue
			}
			slog.Debug("ise: ignoring undecodable message", "err", err)
			continue
		}
		if ev == nil {
			continue
		}
		s.emit(scoring.Result{Status: ev.Status, XML: string(ev.XML), Raw: ev.Raw})
	}
}

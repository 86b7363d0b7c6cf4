// Package client implements the resilient consumer side of the relay
// pipeline: it creates sessions, submits user turns, and maintains a
// long-lived SSE connection to the delivery endpoint, reconnecting with
// exponential backoff across transient failures.
//
// Connections are explicit. A stream for a new turn is opened only after the
// turn body exists and has been submitted; the client refuses to dial
// without it. Auto-connecting before the required request body is available
// is a known defect class, rejected here at the API boundary.
//
// Credentials are forwarded as headers only: the bearer token in
// Authorization and the CSRF token in X-CSRF-Token. They never appear in the
// connection URL.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"goa.design/relay/event"
	"goa.design/relay/telemetry"
)

type (
	// Client talks to a relay server. Safe for concurrent use; each Attach
	// or ConnectTurn call owns an independent stream.
	Client struct {
		cfg Config
	}

	// Config configures a Client. BaseURL is required; zero values for the
	// remaining fields fall back to package defaults.
	Config struct {
		// BaseURL is the relay server root, e.g. "http://localhost:8080".
		BaseURL string
		// Token is the bearer credential forwarded on every request.
		Token string
		// CSRFToken is forwarded on mutating requests.
		CSRFToken string
		// HTTPClient performs requests. Defaults to a client without a
		// global timeout (streams are long-lived).
		HTTPClient *http.Client
		// BaseBackoff is the first reconnect delay. Defaults to 1s.
		BaseBackoff time.Duration
		// MaxBackoff caps the reconnect delay. Defaults to 30s.
		MaxBackoff time.Duration
		// MaxRetries is the number of consecutive reconnect failures
		// tolerated before the stream surfaces ErrRetriesExhausted.
		// Defaults to 5.
		MaxRetries int
		// DialTimeout bounds connection establishment. Defaults to 10s.
		DialTimeout time.Duration
		// ResetAfter is how long a connection must survive before the
		// failure counter resets. Defaults to 30s.
		ResetAfter time.Duration
		// Jitter perturbs a computed backoff delay. Defaults to identity;
		// services typically install a seeded random jitter.
		Jitter func(time.Duration) time.Duration
		// Clock supplies time. Defaults to the system clock.
		Clock Clock
		// Logger receives operational logs. Defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics receives reconnect counters. Defaults to noop metrics.
		Metrics telemetry.Metrics
	}

	// Clock abstracts time for the reconnect loop so backoff can be tested
	// without real sleeps.
	Clock interface {
		Now() time.Time
		After(d time.Duration) <-chan time.Time
	}

	// Stream is a live, reconnecting subscription to a session's canonical
	// events. Events arrive in server delivery order; the stream survives
	// transient disconnects by re-attaching, relying on server-side history
	// replay to fill gaps.
	Stream struct {
		events chan event.CanonicalEvent
		cancel context.CancelFunc
		done   chan struct{}

		mu  sync.Mutex
		err error
	}

	systemClock struct{}
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMaxRetries  = 5
	DefaultDialTimeout = 10 * time.Second
	DefaultResetAfter  = 30 * time.Second
)

var (
	// ErrMissingSession is returned when connecting without a session
	// identifier. The identifier is always generated server-side; the
	// transport must not dial before it exists.
	ErrMissingSession = errors.New("session id is required before connecting")
	// ErrMissingTurn is returned by ConnectTurn when the turn content is
	// empty: the triggering action requires a body, so there is nothing
	// valid to connect with yet.
	ErrMissingTurn = errors.New("turn content is required before connecting")
	// ErrRetriesExhausted is surfaced after the configured number of
	// consecutive reconnect failures. The consumer decides whether to offer
	// a manual retry.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = DefaultResetAfter
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func(d time.Duration) time.Duration { return d }
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Client{cfg: cfg}, nil
}

// CreateSession asks the server for a new session and returns its generated
// identifier.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/sessions", nil)
	if err != nil {
		return "", err
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := c.doJSON(req, http.StatusCreated, &body); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return body.SessionID, nil
}

// SubmitTurn posts a user message to the session and returns the server
// assigned message identifier.
func (c *Client) SubmitTurn(ctx context.Context, sessionID, content string) (string, error) {
	if sessionID == "" {
		return "", ErrMissingSession
	}
	if content == "" {
		return "", ErrMissingTurn
	}
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := c.doJSON(req, http.StatusAccepted, &body); err != nil {
		return "", fmt.Errorf("submit turn: %w", err)
	}
	return body.MessageID, nil
}

// ConnectTurn submits the user turn and then attaches to the session event
// stream. It refuses to connect until the turn body exists: callers must
// never open the stream for a new turn ahead of its payload.
func (c *Client) ConnectTurn(ctx context.Context, sessionID, content string) (*Stream, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if content == "" {
		return nil, ErrMissingTurn
	}
	if _, err := c.SubmitTurn(ctx, sessionID, content); err != nil {
		return nil, err
	}
	return c.Attach(ctx, sessionID)
}

// Attach opens the event stream for an existing session. No request body is
// required for re-attachment, so this is also the reconnect path after an
// interruption.
func (c *Client) Attach(ctx context.Context, sessionID string) (*Stream, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan event.CanonicalEvent, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(runCtx, sessionID, s)
	return s, nil
}

// Events returns the canonical event channel. It is closed when the stream
// ends; check Err afterwards to distinguish a clean end from a failure.
func (s *Stream) Events() <-chan event.CanonicalEvent {
	return s.events
}

// Err reports the terminal stream error. It is nil for a graceful end
// (server [DONE] marker or clean close) and non-nil after retry exhaustion,
// a permanent rejection, or cancellation. Valid once Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and releases its connection. Idempotent.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// permanentError marks a server rejection that reconnecting cannot fix
// (bad credentials, malformed request). Surfaced immediately, not retried.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("server rejected connection: status %d", e.status)
}

// run drives the reconnect state machine: connecting, connected, backoff,
// connecting again. The failure counter resets after a sustained connection
// so a long-lived stream that hiccups does not burn its retry budget.
func (c *Client) run(ctx context.Context, sessionID string, s *Stream) {
	defer close(s.done)
	defer close(s.events)

	attempt := 0
	for {
		connectedAt, terminal, err := c.consume(ctx, sessionID, s)
		switch {
		case terminal:
			s.setErr(nil)
			return
		case ctx.Err() != nil:
			s.setErr(ctx.Err())
			return
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			s.setErr(err)
			return
		}
		if !connectedAt.IsZero() && c.cfg.Clock.Now().Sub(connectedAt) >= c.cfg.ResetAfter {
			attempt = 0
		}
		attempt++
		if attempt > c.cfg.MaxRetries {
			s.setErr(fmt.Errorf("%w: last error: %v", ErrRetriesExhausted, err))
			return
		}
		delay := c.cfg.Jitter(Backoff(attempt, c.cfg.BaseBackoff, c.cfg.MaxBackoff))
		c.cfg.Metrics.IncCounter(telemetry.MetricReconnects, 1)
		c.cfg.Logger.Debug(ctx, "reconnecting after stream failure",
			"session_id", sessionID, "attempt", attempt, "delay", delay.String(), "err", fmt.Sprint(err))
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-c.cfg.Clock.After(delay):
		}
	}
}

// consume performs one connection cycle: dial, then read frames until the
// stream ends. Returns the connection time (zero if the dial failed),
// whether the server ended the stream gracefully, and the failure cause.
func (c *Client) consume(ctx context.Context, sessionID string, s *Stream) (time.Time, bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, "/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return time.Time{}, false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := c.cfg.HTTPClient.Do(req)
		ch <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case r := <-ch:
		if r.err != nil {
			return time.Time{}, false, r.err
		}
		resp = r.resp
	case <-c.cfg.Clock.After(c.cfg.DialTimeout):
		cancel()
		if r := <-ch; r.resp != nil {
			r.resp.Body.Close()
		}
		return time.Time{}, false, fmt.Errorf("dial timeout after %s", c.cfg.DialTimeout)
	case <-ctx.Done():
		cancel()
		if r := <-ch; r.resp != nil {
			r.resp.Body.Close()
		}
		return time.Time{}, false, ctx.Err()
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return time.Time{}, false, &permanentError{status: resp.StatusCode}
	default:
		return time.Time{}, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	connectedAt := c.cfg.Clock.Now()

	terminal, err := c.readFrames(ctx, resp.Body, s)
	return connectedAt, terminal, err
}

// readFrames parses SSE frames from the response body, forwarding decoded
// canonical events. Comment heartbeats are skipped. The [DONE] data frame
// and a clean EOF are both graceful ends.
func (c *Client) readFrames(ctx context.Context, body io.Reader, s *Stream) (bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				payload := data.String()
				data.Reset()
				if payload == event.Terminal {
					return true, nil
				}
				var evt event.CanonicalEvent
				if err := json.Unmarshal([]byte(payload), &evt); err != nil {
					c.cfg.Logger.Warn(ctx, "skipping undecodable frame", "err", err.Error())
					continue
				}
				select {
				case s.events <- evt:
				case <-ctx.Done():
					return false, ctx.Err()
				}
			}
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment; connection is alive.
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	// Clean EOF without an explicit marker: graceful server close.
	return true, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.CSRFToken != "" && method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", c.cfg.CSRFToken)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, wantStatus int, out any) error {
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Package realtime is the upstream leg: one websocket per call to the
// realtime speech service.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultURL           = "wss://api.openai.com/v1/realtime"
	DefaultSettleDelay   = 100 * time.Millisecond
	DefaultGreetingDelay = 250 * time.Millisecond

	writeTimeout = 10 * time.Second
	readLimit    = 8 << 20
)

var ErrClosed = errors.New("realtime connection closed")

// State is the lifecycle of one upstream connection. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateSessionConfigured
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSessionConfigured:
		return "session_configured"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	APIKey        string
	URL           string
	Model         string
	SettleDelay   time.Duration
	GreetingDelay time.Duration
	Dialer        *websocket.Dialer
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// SessionParams is what the session.update carries for one call.
type SessionParams struct {
	Instructions string
	Voice        string
	Temperature  float64
	Tools        []protocol.Tool
	// Greeting asks the model to speak first once the session is configured.
	Greeting bool
	// CallID attaches to an existing call instead of opening a new session.
	CallID string
}

// Client is a live upstream connection. Writes are safe from any goroutine.
type Client struct {
	cfg    Config
	params SessionParams
	conn   *websocket.Conn
	logger *zap.Logger

	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan protocol.ServerEvent
	ready     chan struct{}
	done      chan struct{}
}

// Dial opens the upstream websocket and schedules session configuration.
// The returned client is Open; Ready is closed once session.update is sent.
func Dial(ctx context.Context, cfg Config, params SessionParams) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, failure.Configuration("realtime.dial", errors.New("OPENAI_API_KEY is not set"))
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.GreetingDelay < 0 {
		cfg.GreetingDelay = DefaultGreetingDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, failure.Configuration("realtime.dial", fmt.Errorf("invalid realtime url: %w", err))
	}
	q := u.Query()
	if params.CallID != "" {
		q.Set("call_id", params.CallID)
	} else {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	c := &Client{
		cfg:    cfg,
		params: params,
		logger: cfg.Logger,
		events: make(chan protocol.ServerEvent, 256),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.state.Store(int32(StateOpen))
	c.logger.Debug("realtime connection open")

	go c.readLoop()
	go c.configure()
	return c, nil
}

func (c *Client) State() State { return State(c.state.Load()) }

// IsOpen reports whether audio can be forwarded.
func (c *Client) IsOpen() bool {
	s := c.State()
	return s == StateOpen || s == StateSessionConfigured
}

// Events delivers decoded server events. The channel is closed when the
// connection closes.
func (c *Client) Events() <-chan protocol.ServerEvent { return c.events }

// Ready is closed once the session has been configured.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the connection is closed for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) configure() {
	if !c.sleep(c.cfg.SettleDelay) {
		return
	}
	update := protocol.NewSessionUpdate(c.cfg.Model, c.params.Voice, c.params.Instructions, c.params.Temperature, c.params.Tools)
	if c.params.CallID != "" {
		update.Session.Model = ""
	}
	if err := c.writeJSON(protocol.EventSessionUpdate, update); err != nil {
		c.logger.Warn("session update failed", zap.Error(err))
		return
	}
	c.state.CompareAndSwap(int32(StateOpen), int32(StateSessionConfigured))
	close(c.ready)
	c.logger.Debug("realtime session configured", zap.String("voice", c.params.Voice))

	if !c.params.Greeting {
		return
	}
	if !c.sleep(c.cfg.GreetingDelay) {
		return
	}
	if err := c.CreateResponse(); err != nil {
		c.logger.Warn("greeting response failed", zap.Error(err))
	}
}

func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-c.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) AppendAudio(payload string) error {
	return c.writeJSON(protocol.EventInputAudioAppend, protocol.NewInputAudioAppend(payload))
}

func (c *Client) Truncate(itemID string, audioEndMS int64) error {
	return c.writeJSON(protocol.EventItemTruncate, protocol.NewItemTruncate(itemID, audioEndMS))
}

func (c *Client) CreateResponse() error {
	return c.writeJSON(protocol.EventResponseCreate, protocol.NewResponseCreate())
}

func (c *Client) SendFunctionOutput(callID, output string) error {
	return c.writeJSON(protocol.EventItemCreate, protocol.NewFunctionCallOutput(callID, output))
}

func (c *Client) writeJSON(typ string, payload any) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	c.cfg.Metrics.UpstreamMessage("out", typ)
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() != StateClosed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("realtime connection closed", zap.Error(err))
			}
			return
		}
		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			perr := failure.UpstreamProtocol("realtime.read", err)
			c.logger.Warn("malformed realtime event", zap.Error(perr))
			c.cfg.Metrics.ObserveError(string(failure.KindOf(perr)))
			continue
		}
		c.cfg.Metrics.UpstreamMessage("in", ev.EventType())
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// Close terminates the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.conn.Close()
	})
}

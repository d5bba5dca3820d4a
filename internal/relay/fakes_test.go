package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/realtime"
	"go.uber.org/zap"
)

type truncateCall struct {
	itemID     string
	audioEndMS int64
}

type fakeUpstream struct {
	mu        sync.Mutex
	open      bool
	appended  []string
	truncates []truncateCall
	responses int
	outputs   []string
	closed    bool

	events     chan protocol.ServerEvent
	eventsOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{open: true, events: make(chan protocol.ServerEvent, 32)}
}

func (f *fakeUpstream) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeUpstream) AppendAudio(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, payload)
	return nil
}

func (f *fakeUpstream) Truncate(itemID string, audioEndMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncates = append(f.truncates, truncateCall{itemID: itemID, audioEndMS: audioEndMS})
	return nil
}

func (f *fakeUpstream) CreateResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeUpstream) SendFunctionOutput(_, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, output)
	return nil
}

func (f *fakeUpstream) Events() <-chan protocol.ServerEvent { return f.events }

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	f.open = false
	f.closed = true
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeUpstream) closeEvents() {
	f.eventsOnce.Do(func() { close(f.events) })
}

func (f *fakeUpstream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeUpstream) snapshot() (appended []string, truncates []truncateCall, responses int, outputs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.appended...), append([]truncateCall(nil), f.truncates...), f.responses, append([]string(nil), f.outputs...)
}

type fakeCarrier struct {
	in        chan []byte
	mu        sync.Mutex
	sent      []protocol.CarrierOutbound
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{in: make(chan []byte, 32), done: make(chan struct{})}
}

func (c *fakeCarrier) Read() ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.done:
		return nil, errors.New("carrier closed")
	}
}

func (c *fakeCarrier) Send(msg protocol.CarrierOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeCarrier) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeCarrier) messages() []protocol.CarrierOutbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.CarrierOutbound(nil), c.sent...)
}

func (c *fakeCarrier) count(event protocol.CarrierEventType) int {
	n := 0
	for _, m := range c.messages() {
		if m.Event == event {
			n++
		}
	}
	return n
}

func (c *fakeCarrier) push(t *testing.T, frame any) {
	t.Helper()
	c.in <- mustJSON(t, frame)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

type openerSpy struct {
	mu     sync.Mutex
	params []realtime.SessionParams
	up     *fakeUpstream
	err    error
	called chan struct{}
}

func newOpenerSpy() *openerSpy {
	return &openerSpy{up: newFakeUpstream(), called: make(chan struct{}, 8)}
}

func (o *openerSpy) open(_ context.Context, p realtime.SessionParams, _ *zap.Logger) (Upstream, error) {
	o.mu.Lock()
	o.params = append(o.params, p)
	o.mu.Unlock()
	o.called <- struct{}{}
	if o.err != nil {
		return nil, o.err
	}
	return o.up, nil
}

func (o *openerSpy) lastParams() realtime.SessionParams {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.params[len(o.params)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errTest = errors.New("test failure")

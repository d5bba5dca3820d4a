package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/functions"
	"github.com/ent0n29/callrelay/internal/protocol"
)

func TestObserverDispatchesFunctionCalls(t *testing.T) {
	spy := newOpenerSpy()
	o := NewObserver(ObserverConfig{
		Open:        spy.open,
		Personas:    testCatalog(t),
		Functions:   functions.NewDefaultRegistry(nil, nil, nil),
		Voice:       "alloy",
		Temperature: 0.7,
	})
	defer o.Close()

	if err := o.Observe(ObserveRequest{CallID: "rtc_1", Language: "german", PersonaType: "receptionist"}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	select {
	case <-spy.called:
	case <-time.After(2 * time.Second):
		t.Fatalf("observer did not dial upstream")
	}

	p := spy.lastParams()
	if p.CallID != "rtc_1" || p.Greeting {
		t.Fatalf("params = %+v, want observer mode without greeting", p)
	}
	if len(p.Tools) != 3 || !strings.Contains(p.Instructions, "German") {
		t.Fatalf("params = %+v, want tools and german instructions", p)
	}

	spy.up.events <- protocol.FunctionCallArgumentsDone{CallID: "c1", Name: "escalate", Arguments: `{"reason":"billing dispute"}`}
	spy.up.events <- protocol.FunctionCallArgumentsDone{CallID: "c2", Name: "doMagic", Arguments: `{}`}
	waitFor(t, "function outputs", func() bool {
		_, _, responses, outputs := spy.up.snapshot()
		return len(outputs) == 2 && responses == 2
	})
	_, _, _, outputs := spy.up.snapshot()
	if !strings.Contains(outputs[0], `"success":true`) {
		t.Fatalf("escalate output = %s", outputs[0])
	}
	if outputs[1] != `{"success":false,"message":"Unknown function: doMagic"}` {
		t.Fatalf("doMagic output = %s", outputs[1])
	}

	spy.up.closeEvents()
	done := make(chan struct{})
	go func() { o.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("observer did not finish after upstream closed")
	}
	if !spy.up.isClosed() {
		t.Fatalf("observer did not close upstream")
	}
}

func TestObserverValidatesRequest(t *testing.T) {
	o := NewObserver(ObserverConfig{Open: newOpenerSpy().open})
	defer o.Close()
	if err := o.Observe(ObserveRequest{CallID: " "}); err == nil {
		t.Fatalf("expected error for empty call id")
	}

	bare := NewObserver(ObserverConfig{})
	defer bare.Close()
	if err := bare.Observe(ObserveRequest{CallID: "rtc_1"}); !failure.Is(err, failure.KindConfiguration) {
		t.Fatalf("Observe() error = %v, want configuration failure", err)
	}
}

func TestObserverDialFailureIsDetached(t *testing.T) {
	spy := newOpenerSpy()
	spy.err = failure.Configuration("realtime.dial", errTest)
	o := NewObserver(ObserverConfig{Open: spy.open})
	if err := o.Observe(ObserveRequest{CallID: "rtc_1"}); err != nil {
		t.Fatalf("Observe() error = %v, want nil for background failure", err)
	}
	o.Close()
}

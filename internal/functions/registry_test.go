package functions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

type recordingResponder struct {
	outputs   []string
	callIDs   []string
	responses int
	sendErr   error
}

func (r *recordingResponder) SendFunctionOutput(callID, output string) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.callIDs = append(r.callIDs, callID)
	r.outputs = append(r.outputs, output)
	return nil
}

func (r *recordingResponder) CreateResponse() error {
	r.responses++
	return nil
}

func TestDefinitionsListBuiltins(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, fixedNow)
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(Definitions()) = %d, want 3", len(defs))
	}
	want := []string{"escalate", "schedule_reminder", "send_message"}
	for i, def := range defs {
		if def.Name != want[i] || def.Type != "function" {
			t.Fatalf("Definitions()[%d] = %+v, want %s", i, def, want[i])
		}
		if !json.Valid(def.Parameters) {
			t.Fatalf("%s parameters are not valid JSON", def.Name)
		}
	}
}

func TestDispatchUnknownFunction(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, fixedNow)
	got := r.Dispatch(context.Background(), "doMagic", `{}`)
	if got.Success || got.Message != "Unknown function: doMagic" {
		t.Fatalf("Dispatch(doMagic) = %+v", got)
	}
}

func TestRespondUnknownFunctionStillTriggersResponse(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, fixedNow)
	up := &recordingResponder{}
	res, err := r.Respond(context.Background(), up, protocol.FunctionCallArgumentsDone{CallID: "call_1", Name: "doMagic", Arguments: "{}"})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Success {
		t.Fatalf("Success = true, want false")
	}
	if len(up.outputs) != 1 || up.callIDs[0] != "call_1" {
		t.Fatalf("outputs = %v callIDs = %v, want one for call_1", up.outputs, up.callIDs)
	}
	if up.outputs[0] != `{"success":false,"message":"Unknown function: doMagic"}` {
		t.Fatalf("output = %s", up.outputs[0])
	}
	if up.responses != 1 {
		t.Fatalf("responses = %d, want 1", up.responses)
	}
}

func TestRespondReportsSendFailure(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, fixedNow)
	up := &recordingResponder{sendErr: errors.New("closed")}
	if _, err := r.Respond(context.Background(), up, protocol.FunctionCallArgumentsDone{CallID: "c", Name: "escalate", Arguments: `{"reason":"x"}`}); err == nil {
		t.Fatalf("expected error when output cannot be sent")
	}
	if up.responses != 0 {
		t.Fatalf("responses = %d, want 0", up.responses)
	}
}

func TestRespondUnencodableResultSendsValidJSON(t *testing.T) {
	r := NewRegistry(nil, nil)
	name := `say"hi`
	r.Register(Function{Name: name, Handler: func(context.Context, json.RawMessage) (Result, error) {
		return Result{Success: true, Data: make(chan int)}, nil
	}})
	up := &recordingResponder{}
	if _, err := r.Respond(context.Background(), up, protocol.FunctionCallArgumentsDone{CallID: "call_9", Name: name, Arguments: "{}"}); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if len(up.outputs) != 1 || !json.Valid([]byte(up.outputs[0])) {
		t.Fatalf("outputs = %q, want one valid JSON document", up.outputs)
	}
	var got Result
	if err := json.Unmarshal([]byte(up.outputs[0]), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.Success || got.Message != `Error executing say"hi: unencodable result` {
		t.Fatalf("output = %+v, want failure naming the function", got)
	}
	if up.responses != 1 {
		t.Fatalf("responses = %d, want 1", up.responses)
	}
}

func TestDispatchBuiltins(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, fixedNow)
	tests := []struct {
		name    string
		fn      string
		args    string
		success bool
		message string
	}{
		{name: "reminder duration", fn: "schedule_reminder", args: `{"message":"call mom","when":"2h"}`, success: true, message: "Reminder scheduled for Sun, 01 Mar 2026 14:00:00 UTC"},
		{name: "reminder timestamp", fn: "schedule_reminder", args: `{"message":"x","when":"2026-03-02T09:00:00Z"}`, success: true},
		{name: "reminder in past", fn: "schedule_reminder", args: `{"message":"x","when":"2020-01-01T00:00:00Z"}`, message: "Error executing schedule_reminder: reminder time is in the past"},
		{name: "reminder missing message", fn: "schedule_reminder", args: `{"when":"1h"}`, message: "Error executing schedule_reminder: message is required"},
		{name: "sms default", fn: "send_message", args: `{"to":"+14155550123","message":"hi"}`, success: true, message: "Message sent via sms"},
		{name: "email inferred", fn: "send_message", args: `{"to":"a@b.co","message":"hi"}`, success: true, message: "Message sent via email"},
		{name: "bad channel", fn: "send_message", args: `{"to":"a","message":"hi","channel":"fax"}`},
		{name: "escalate", fn: "escalate", args: `{"reason":"angry caller","priority":"urgent"}`, success: true},
		{name: "escalate empty args", fn: "escalate", args: ``},
		{name: "invalid json", fn: "escalate", args: `{"reason":`, message: "Error executing escalate: invalid arguments JSON"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Dispatch(context.Background(), tc.fn, tc.args)
			if got.Success != tc.success {
				t.Fatalf("Success = %v, want %v (%+v)", got.Success, tc.success, got)
			}
			if tc.message != "" && got.Message != tc.message {
				t.Fatalf("Message = %q, want %q", got.Message, tc.message)
			}
			if !tc.success && !strings.HasPrefix(got.Message, "Error executing "+tc.fn) {
				t.Fatalf("Message = %q, want error prefix", got.Message)
			}
		})
	}
}

func TestEscalateQueue(t *testing.T) {
	r := NewDefaultRegistry(nil, nil, fixedNow)
	got := r.Dispatch(context.Background(), "escalate", `{"reason":"x","priority":"high"}`)
	data := got.Data.(map[string]any)
	if data["queue"] != "priority" {
		t.Fatalf("queue = %v, want priority", data["queue"])
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(Function{Name: "boom", Handler: func(context.Context, json.RawMessage) (Result, error) {
		panic("kaboom")
	}})
	got := r.Dispatch(context.Background(), "boom", `{}`)
	if got.Success || got.Message != "Error executing boom: panic: kaboom" {
		t.Fatalf("Dispatch(boom) = %+v", got)
	}
}

func TestDispatchLogsRedactedArguments(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewDefaultRegistry(zap.New(core), nil, fixedNow)
	r.Dispatch(context.Background(), "send_message", `{"to":"+14155550123","message":"hi"}`)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	args := entries[0].ContextMap()["arguments"].(string)
	if strings.Contains(args, "4155550123") {
		t.Fatalf("arguments logged unredacted: %s", args)
	}
}

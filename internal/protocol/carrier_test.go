package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseCarrierMessageStart(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA123","accountSid":"AC1","tracks":["inbound"],"customParameters":{"lang":"es"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)
	ev, err := ParseCarrierMessage(raw)
	if err != nil {
		t.Fatalf("ParseCarrierMessage() error = %v", err)
	}
	start, ok := ev.(StreamStart)
	if !ok {
		t.Fatalf("event type = %T, want StreamStart", ev)
	}
	if start.StreamID != "MZ1" || start.CallID != "CA123" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if start.CustomParameters["lang"] != "es" {
		t.Fatalf("customParameters = %v, want lang=es", start.CustomParameters)
	}
	if start.MediaFormat.SampleRate != 8000 {
		t.Fatalf("sampleRate = %d, want 8000", start.MediaFormat.SampleRate)
	}
}

func TestParseCarrierMessageStartUsesEnvelopeStreamID(t *testing.T) {
	ev, err := ParseCarrierMessage([]byte(`{"event":"start","streamSid":"MZ9","start":{"callSid":"CA9"}}`))
	if err != nil {
		t.Fatalf("ParseCarrierMessage() error = %v", err)
	}
	if got := ev.(StreamStart).StreamID; got != "MZ9" {
		t.Fatalf("StreamID = %q, want MZ9", got)
	}
}

func TestParseCarrierMessageMediaTimestamp(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Millis
	}{
		{name: "string", raw: `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"5120","payload":"//8="}}`, want: 5120},
		{name: "number", raw: `{"event":"media","streamSid":"MZ1","media":{"timestamp":40,"payload":"//8="}}`, want: 40},
		{name: "missing", raw: `{"event":"media","streamSid":"MZ1","media":{"payload":"//8="}}`, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseCarrierMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseCarrierMessage() error = %v", err)
			}
			m, ok := ev.(Media)
			if !ok {
				t.Fatalf("event type = %T, want Media", ev)
			}
			if m.Timestamp != tc.want {
				t.Fatalf("Timestamp = %d, want %d", m.Timestamp, tc.want)
			}
			if m.StreamID != "MZ1" || m.Payload != "//8=" {
				t.Fatalf("unexpected media: %+v", m)
			}
		})
	}
}

func TestParseCarrierMessageRejectsBadInput(t *testing.T) {
	tests := []string{
		`not json`,
		`{"event":"media","streamSid":"MZ1","media":{"payload":""}}`,
		`{"event":"media","streamSid":"MZ1","media":{"timestamp":"abc","payload":"AA=="}}`,
		`{"event":"start","start":{"callSid":"CA1"}}`,
		`{"event":"start","streamSid":"MZ1"}`,
	}
	for _, raw := range tests {
		if _, err := ParseCarrierMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseCarrierMessage(%s) expected error", raw)
		}
	}
}

func TestParseCarrierMessageUnknownEvent(t *testing.T) {
	_, err := ParseCarrierMessage([]byte(`{"event":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseCarrierMessageMarkStopDTMF(t *testing.T) {
	ev, err := ParseCarrierMessage([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"responsePart"}}`))
	if err != nil {
		t.Fatalf("mark error = %v", err)
	}
	if mark := ev.(Mark); mark.Name != ResponsePartMark || mark.StreamID != "MZ1" {
		t.Fatalf("unexpected mark: %+v", mark)
	}

	ev, err = ParseCarrierMessage([]byte(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`))
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	if stop := ev.(Stop); stop.CallID != "CA1" {
		t.Fatalf("unexpected stop: %+v", stop)
	}

	ev, err = ParseCarrierMessage([]byte(`{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"5"}}`))
	if err != nil {
		t.Fatalf("dtmf error = %v", err)
	}
	if d := ev.(DTMF); d.Digit != "5" {
		t.Fatalf("unexpected dtmf: %+v", d)
	}
}

func TestCarrierOutboundShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  CarrierOutbound
		want string
	}{
		{name: "media", msg: CarrierMediaMessage("MZ1", "AAE="), want: `{"event":"media","streamSid":"MZ1","media":{"payload":"AAE="}}`},
		{name: "mark", msg: CarrierMarkMessage("MZ1", ResponsePartMark), want: `{"event":"mark","streamSid":"MZ1","mark":{"name":"responsePart"}}`},
		{name: "clear", msg: CarrierClearMessage("MZ1"), want: `{"event":"clear","streamSid":"MZ1"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.msg)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("json = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestInboundBuildersParse(t *testing.T) {
	raw, err := json.Marshal(CarrierInboundMedia("MZ1", "AAE=", 320))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"timestamp":"320"`) {
		t.Fatalf("media json = %s, want string timestamp", raw)
	}
	ev, err := ParseCarrierMessage(raw)
	if err != nil {
		t.Fatalf("ParseCarrierMessage() error = %v", err)
	}
	if ev.(Media).Timestamp != 320 {
		t.Fatalf("Timestamp = %d, want 320", ev.(Media).Timestamp)
	}

	raw, err = json.Marshal(CarrierStartMessage("MZ1", "CA1", nil))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	ev, err = ParseCarrierMessage(raw)
	if err != nil {
		t.Fatalf("ParseCarrierMessage(start) error = %v", err)
	}
	if start := ev.(StreamStart); start.CallID != "CA1" || start.StreamID != "MZ1" {
		t.Fatalf("unexpected start: %+v", start)
	}
}

func BenchmarkParseCarrierMessageMedia(b *testing.B) {
	raw := []byte(`{"event":"media","sequenceNumber":"42","streamSid":"MZ1","media":{"track":"inbound","chunk":"41","timestamp":"820","payload":"/////////////////////////////////////////w=="}}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseCarrierMessage(raw); err != nil {
			b.Fatalf("ParseCarrierMessage() error = %v", err)
		}
	}
}

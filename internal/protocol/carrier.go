// Package protocol defines the JSON wire formats of the two call legs: the
// carrier media stream and the realtime speech service.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CarrierEventType identifies media stream payload variants.
type CarrierEventType string

const (
	CarrierConnected CarrierEventType = "connected"
	CarrierStart     CarrierEventType = "start"
	CarrierMedia     CarrierEventType = "media"
	CarrierMark      CarrierEventType = "mark"
	CarrierStop      CarrierEventType = "stop"
	CarrierDTMF      CarrierEventType = "dtmf"
	CarrierClear     CarrierEventType = "clear"
)

// ResponsePartMark names the mark sent after every assistant audio chunk.
const ResponsePartMark = "responsePart"

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingStreamID = errors.New("missing streamSid")
)

// Millis is a millisecond offset. The carrier encodes it as a decimal
// string; plain JSON numbers are accepted too.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*m = Millis(v)
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(m), 10))), nil
}

// CarrierEvent is one decoded inbound media stream message.
type CarrierEvent interface {
	CarrierType() CarrierEventType
}

type Connected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StreamStart struct {
	StreamID         string            `json:"streamSid"`
	CallID           string            `json:"callSid"`
	AccountID        string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type Media struct {
	StreamID  string `json:"-"`
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp Millis `json:"timestamp"`
	Payload   string `json:"payload"`
}

type Mark struct {
	StreamID string `json:"-"`
	Name     string `json:"name"`
}

type Stop struct {
	StreamID  string `json:"-"`
	AccountID string `json:"accountSid"`
	CallID    string `json:"callSid"`
}

type DTMF struct {
	StreamID string `json:"-"`
	Track    string `json:"track"`
	Digit    string `json:"digit"`
}

func (Connected) CarrierType() CarrierEventType   { return CarrierConnected }
func (StreamStart) CarrierType() CarrierEventType { return CarrierStart }
func (Media) CarrierType() CarrierEventType       { return CarrierMedia }
func (Mark) CarrierType() CarrierEventType        { return CarrierMark }
func (Stop) CarrierType() CarrierEventType        { return CarrierStop }
func (DTMF) CarrierType() CarrierEventType        { return CarrierDTMF }

type carrierEnvelope struct {
	Event          CarrierEventType `json:"event"`
	SequenceNumber string           `json:"sequenceNumber,omitempty"`
	StreamID       string           `json:"streamSid,omitempty"`
	Protocol       string           `json:"protocol,omitempty"`
	Version        string           `json:"version,omitempty"`
	Start          *StreamStart     `json:"start,omitempty"`
	Media          *Media           `json:"media,omitempty"`
	Mark           *Mark            `json:"mark,omitempty"`
	Stop           *Stop            `json:"stop,omitempty"`
	DTMF           *DTMF            `json:"dtmf,omitempty"`
}

// ParseCarrierMessage decodes an inbound media stream frame.
func ParseCarrierMessage(raw []byte) (CarrierEvent, error) {
	var env carrierEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case CarrierConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case CarrierStart:
		if env.Start == nil {
			return nil, errors.New("invalid start: missing start block")
		}
		start := *env.Start
		if start.StreamID == "" {
			start.StreamID = env.StreamID
		}
		if start.StreamID == "" {
			return nil, ErrMissingStreamID
		}
		if start.CallID == "" {
			return nil, errors.New("invalid start: missing callSid")
		}
		return start, nil
	case CarrierMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return nil, errors.New("invalid media: missing payload")
		}
		m := *env.Media
		m.StreamID = env.StreamID
		return m, nil
	case CarrierMark:
		mark := Mark{StreamID: env.StreamID}
		if env.Mark != nil {
			mark.Name = env.Mark.Name
		}
		return mark, nil
	case CarrierStop:
		stop := Stop{StreamID: env.StreamID}
		if env.Stop != nil {
			stop.AccountID = env.Stop.AccountID
			stop.CallID = env.Stop.CallID
		}
		return stop, nil
	case CarrierDTMF:
		d := DTMF{StreamID: env.StreamID}
		if env.DTMF != nil {
			d.Track = env.DTMF.Track
			d.Digit = env.DTMF.Digit
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Event)
	}
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Name string `json:"name"`
}

// CarrierOutbound is a message sent to the carrier leg.
type CarrierOutbound struct {
	Event    CarrierEventType `json:"event"`
	StreamID string           `json:"streamSid"`
	Media    *outboundMedia   `json:"media,omitempty"`
	Mark     *outboundMark    `json:"mark,omitempty"`
}

// CarrierMediaMessage carries base64 µ-law audio to the caller.
func CarrierMediaMessage(streamID, payload string) CarrierOutbound {
	return CarrierOutbound{Event: CarrierMedia, StreamID: streamID, Media: &outboundMedia{Payload: payload}}
}

func CarrierMarkMessage(streamID, name string) CarrierOutbound {
	return CarrierOutbound{Event: CarrierMark, StreamID: streamID, Mark: &outboundMark{Name: name}}
}

// CarrierClearMessage discards any audio the carrier has buffered but not played.
func CarrierClearMessage(streamID string) CarrierOutbound {
	return CarrierOutbound{Event: CarrierClear, StreamID: streamID}
}

// Inbound builders used by the call simulator and tests.

func CarrierStartMessage(streamID, callID string, params map[string]string) map[string]any {
	return map[string]any{
		"event":     CarrierStart,
		"streamSid": streamID,
		"start": map[string]any{
			"streamSid":        streamID,
			"callSid":          callID,
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat":      MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}
}

func CarrierInboundMedia(streamID, payload string, ts int64) map[string]any {
	return map[string]any{
		"event":     CarrierMedia,
		"streamSid": streamID,
		"media": map[string]any{
			"track":     "inbound",
			"timestamp": strconv.FormatInt(ts, 10),
			"payload":   payload,
		},
	}
}

func CarrierInboundMark(streamID, name string) map[string]any {
	return map[string]any{"event": CarrierMark, "streamSid": streamID, "mark": map[string]any{"name": name}}
}

func CarrierStopMessage(streamID, callID string) map[string]any {
	return map[string]any{"event": CarrierStop, "streamSid": streamID, "stop": map[string]any{"callSid": callID}}
}

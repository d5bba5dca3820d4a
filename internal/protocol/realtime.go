package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Realtime service event names.
const (
	EventSessionUpdate         = "session.update"
	EventInputAudioAppend      = "input_audio_buffer.append"
	EventItemTruncate          = "conversation.item.truncate"
	EventItemCreate            = "conversation.item.create"
	EventResponseCreate        = "response.create"
	EventAudioDelta            = "response.audio.delta"
	EventOutputAudioDelta      = "response.output_audio.delta"
	EventSpeechStarted         = "input_audio_buffer.speech_started"
	EventItemCreated           = "conversation.item.created"
	EventResponseDone          = "response.done"
	EventFunctionArgumentsDone = "response.function_call_arguments.done"
	EventError                 = "error"
	EventSessionCreated        = "session.created"
	EventSessionUpdated        = "session.updated"
)

// AudioFormatG711ULaw is the realtime service's name for 8 kHz µ-law.
const AudioFormatG711ULaw = "g711_ulaw"

// Tool describes a callable function offered to the model.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	Model             string         `json:"model,omitempty"`
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

type FunctionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type ItemCreate struct {
	Type string                 `json:"type"`
	Item FunctionCallOutputItem `json:"item"`
}

// NewSessionUpdate configures a µ-law audio session with server-side voice
// activity detection.
func NewSessionUpdate(model, voice, instructions string, temperature float64, tools []Tool) SessionUpdate {
	cfg := SessionConfig{
		Model:             model,
		Modalities:        []string{"text", "audio"},
		Instructions:      instructions,
		Voice:             voice,
		InputAudioFormat:  AudioFormatG711ULaw,
		OutputAudioFormat: AudioFormatG711ULaw,
		TurnDetection:     &TurnDetection{Type: "server_vad"},
		Temperature:       temperature,
	}
	if len(tools) > 0 {
		cfg.Tools = tools
		cfg.ToolChoice = "auto"
	}
	return SessionUpdate{Type: EventSessionUpdate, Session: cfg}
}

func NewInputAudioAppend(payload string) InputAudioAppend {
	return InputAudioAppend{Type: EventInputAudioAppend, Audio: payload}
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	return ItemTruncate{Type: EventItemTruncate, ItemID: itemID, ContentIndex: 0, AudioEndMS: audioEndMS}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: EventResponseCreate}
}

func NewFunctionCallOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type: EventItemCreate,
		Item: FunctionCallOutputItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}

// ServerEvent is one decoded realtime service message.
type ServerEvent interface {
	EventType() string
}

type AudioDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type SpeechStarted struct {
	ItemID       string `json:"item_id"`
	AudioStartMS int64  `json:"audio_start_ms"`
}

type ItemCreated struct {
	PreviousItemID string `json:"previous_item_id"`
	Item           struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Role string `json:"role"`
	} `json:"item"`
}

type ResponseDone struct {
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

type FunctionCallArgumentsDone struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

type Error struct {
	Detail ErrorDetail `json:"error"`
}

type SessionInfo struct {
	Type    string `json:"-"`
	Session struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
}

// Unhandled is any event the relay does not act on.
type Unhandled struct {
	Type string
}

func (AudioDelta) EventType() string                { return EventAudioDelta }
func (SpeechStarted) EventType() string             { return EventSpeechStarted }
func (ItemCreated) EventType() string               { return EventItemCreated }
func (ResponseDone) EventType() string              { return EventResponseDone }
func (FunctionCallArgumentsDone) EventType() string { return EventFunctionArgumentsDone }
func (Error) EventType() string                     { return EventError }
func (s SessionInfo) EventType() string             { return s.Type }
func (u Unhandled) EventType() string               { return u.Type }

type serverEnvelope struct {
	Type string `json:"type"`
}

// ParseServerEvent decodes a realtime service frame. Unknown event types
// decode to Unhandled rather than failing.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("invalid envelope: missing type")
	}

	switch env.Type {
	case EventAudioDelta, EventOutputAudioDelta:
		return decodeServer[AudioDelta](raw, env.Type)
	case EventSpeechStarted:
		return decodeServer[SpeechStarted](raw, env.Type)
	case EventItemCreated:
		return decodeServer[ItemCreated](raw, env.Type)
	case EventResponseDone:
		return decodeServer[ResponseDone](raw, env.Type)
	case EventFunctionArgumentsDone:
		ev, err := decodeServer[FunctionCallArgumentsDone](raw, env.Type)
		if err != nil {
			return nil, err
		}
		if ev.CallID == "" || ev.Name == "" {
			return nil, errors.New("invalid response.function_call_arguments.done: missing call_id or name")
		}
		return ev, nil
	case EventError:
		return decodeServer[Error](raw, env.Type)
	case EventSessionCreated, EventSessionUpdated:
		ev, err := decodeServer[SessionInfo](raw, env.Type)
		if err != nil {
			return nil, err
		}
		ev.Type = env.Type
		return ev, nil
	default:
		return Unhandled{Type: env.Type}, nil
	}
}

func decodeServer[T any](raw []byte, typ string) (T, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("invalid %s: %w", typ, err)
	}
	return ev, nil
}

package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type reminderArgs struct {
	Message string `json:"message"`
	When    string `json:"when"`
	Phone   string `json:"phone,omitempty"`
}

type messageArgs struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

type escalateArgs struct {
	Reason   string `json:"reason"`
	Priority string `json:"priority,omitempty"`
}

func builtins(now func() time.Time) []Function {
	if now == nil {
		now = time.Now
	}
	return []Function{
		{
			Name:        "schedule_reminder",
			Description: "Schedule a reminder for the caller at a given time.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"message":{"type":"string","description":"What to remind the caller about."},` +
				`"when":{"type":"string","description":"RFC3339 timestamp or a duration such as 30m or 2h."},` +
				`"phone":{"type":"string","description":"Number to call back, defaults to the caller."}},` +
				`"required":["message","when"]}`),
			Handler: func(_ context.Context, raw json.RawMessage) (Result, error) {
				var args reminderArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return Result{}, err
				}
				if strings.TrimSpace(args.Message) == "" {
					return Result{}, errors.New("message is required")
				}
				at, err := parseWhen(args.When, now())
				if err != nil {
					return Result{}, err
				}
				return Result{
					Success: true,
					Message: "Reminder scheduled for " + at.Format(time.RFC1123),
					Data: map[string]any{
						"reminder_id":   uuid.NewString(),
						"scheduled_for": at.Format(time.RFC3339),
					},
				}, nil
			},
		},
		{
			Name:        "send_message",
			Description: "Send a text or email message on behalf of the caller.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"to":{"type":"string","description":"Recipient phone number or email address."},` +
				`"message":{"type":"string"},` +
				`"channel":{"type":"string","enum":["sms","email"]}},` +
				`"required":["to","message"]}`),
			Handler: func(_ context.Context, raw json.RawMessage) (Result, error) {
				var args messageArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return Result{}, err
				}
				if strings.TrimSpace(args.To) == "" || strings.TrimSpace(args.Message) == "" {
					return Result{}, errors.New("to and message are required")
				}
				channel := strings.ToLower(strings.TrimSpace(args.Channel))
				switch channel {
				case "":
					channel = "sms"
					if strings.Contains(args.To, "@") {
						channel = "email"
					}
				case "sms", "email":
				default:
					return Result{}, fmt.Errorf("unsupported channel %q", args.Channel)
				}
				return Result{
					Success: true,
					Message: "Message sent via " + channel,
					Data:    map[string]any{"message_id": uuid.NewString(), "channel": channel},
				}, nil
			},
		},
		{
			Name:        "escalate",
			Description: "Hand the call over to a human agent.",
			Parameters: json.RawMessage(`{"type":"object","properties":{` +
				`"reason":{"type":"string"},` +
				`"priority":{"type":"string","enum":["low","normal","high","urgent"]}},` +
				`"required":["reason"]}`),
			Handler: func(_ context.Context, raw json.RawMessage) (Result, error) {
				var args escalateArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return Result{}, err
				}
				if strings.TrimSpace(args.Reason) == "" {
					return Result{}, errors.New("reason is required")
				}
				priority := strings.ToLower(strings.TrimSpace(args.Priority))
				switch priority {
				case "":
					priority = "normal"
				case "low", "normal", "high", "urgent":
				default:
					return Result{}, fmt.Errorf("unsupported priority %q", args.Priority)
				}
				queue := "general"
				if priority == "high" || priority == "urgent" {
					queue = "priority"
				}
				return Result{
					Success: true,
					Message: "A human agent will join shortly",
					Data:    map[string]any{"ticket_id": uuid.NewString(), "priority": priority, "queue": queue},
				}, nil
			},
		},
	}
}

func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return time.Time{}, errors.New("when is required")
	}
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		if !t.After(now) {
			return time.Time{}, errors.New("reminder time is in the past")
		}
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(when)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reminder time %q", when)
	}
	if d <= 0 {
		return time.Time{}, errors.New("reminder delay must be positive")
	}
	return now.Add(d).UTC(), nil
}

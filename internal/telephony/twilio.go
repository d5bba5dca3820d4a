// Package telephony places outbound calls with the carrier and renders the
// TwiML that connects a call to the media stream endpoint.
package telephony

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// MediaStreamPath is where the carrier opens the media websocket.
const MediaStreamPath = "/v1/media-stream"

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

var ErrInvalidNumber = errors.New("invalid destination number")

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	PublicHost string
}

func (c Config) missing() []string {
	var out []string
	if strings.TrimSpace(c.AccountSID) == "" {
		out = append(out, "TWILIO_ACCOUNT_SID")
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		out = append(out, "TWILIO_AUTH_TOKEN")
	}
	if strings.TrimSpace(c.FromNumber) == "" {
		out = append(out, "TWILIO_FROM_NUMBER")
	}
	if strings.TrimSpace(c.PublicHost) == "" {
		out = append(out, "PUBLIC_HOST")
	}
	return out
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Placer creates outbound calls whose audio is streamed back to this service.
type Placer struct {
	cfg    Config
	client callCreator
}

func NewPlacer(cfg Config) *Placer {
	p := &Placer{cfg: cfg}
	if len(cfg.missing()) == 0 {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		p.client = client.Api
	}
	return p
}

func (p *Placer) Configured() bool { return p.client != nil }

// Place dials to and returns the carrier call id.
func (p *Placer) Place(ctx context.Context, to string, streamParams map[string]string) (string, error) {
	if missing := p.cfg.missing(); len(missing) > 0 || p.client == nil {
		return "", failure.Configuration("telephony.place", fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	to = strings.TrimSpace(to)
	if !e164.MatchString(to) {
		return "", fmt.Errorf("%w %q: expected E.164", ErrInvalidNumber, to)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(p.cfg.FromNumber)
	params.SetTwiml(StreamTwiML(p.cfg.PublicHost, streamParams))

	resp, err := p.client.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", errors.New("create call: carrier returned no call sid")
	}
	return *resp.Sid, nil
}

// StreamTwiML connects the call's audio to wss://<host>/v1/media-stream.
// params become <Parameter> elements delivered with the stream start event.
func StreamTwiML(host string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	escape(&b, "wss://"+strings.TrimRight(host, "/")+MediaStreamPath)
	b.WriteString(`">`)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if params[k] == "" {
			continue
		}
		b.WriteString(`<Parameter name="`)
		escape(&b, k)
		b.WriteString(`" value="`)
		escape(&b, params[k])
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

func escape(b *strings.Builder, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

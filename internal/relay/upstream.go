package relay

import (
	"context"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/realtime"
	"go.uber.org/zap"
)

// Upstream is the realtime leg as seen by the relay.
type Upstream interface {
	IsOpen() bool
	AppendAudio(payload string) error
	Truncate(itemID string, audioEndMS int64) error
	CreateResponse() error
	SendFunctionOutput(callID, output string) error
	Events() <-chan protocol.ServerEvent
	Close() error
}

// Opener dials the upstream leg for one call.
type Opener func(ctx context.Context, params realtime.SessionParams, logger *zap.Logger) (Upstream, error)

// RealtimeOpener dials the realtime service with cfg.
func RealtimeOpener(cfg realtime.Config) Opener {
	return func(ctx context.Context, params realtime.SessionParams, logger *zap.Logger) (Upstream, error) {
		c := cfg
		if logger != nil {
			c.Logger = logger
		}
		client, err := realtime.Dial(ctx, c, params)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Carrier is the downstream media stream connection.
type Carrier interface {
	// Read blocks for the next inbound frame.
	Read() ([]byte, error)
	Send(msg protocol.CarrierOutbound) error
	Close() error
}

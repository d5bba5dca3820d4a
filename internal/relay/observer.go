package relay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/functions"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/persona"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/realtime"
	"go.uber.org/zap"
)

// ObserveRequest attaches a sideband connection to a call already running
// on the realtime service, for example a WebRTC session.
type ObserveRequest struct {
	CallID             string `json:"call_id"`
	Language           string `json:"language,omitempty"`
	PersonaType        string `json:"persona_type,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	CustomVoice        string `json:"custom_voice,omitempty"`
}

type ObserverConfig struct {
	Open        Opener
	Personas    *persona.Catalog
	Functions   *functions.Registry
	Voice       string
	Temperature float64
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Observer runs detached sideband connections that execute function calls.
type Observer struct {
	cfg    ObserverConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewObserver(cfg ObserverConfig) *Observer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Observer{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Observe validates req and starts the sideband connection in the
// background. Connection failures are logged and never reported here.
func (o *Observer) Observe(req ObserveRequest) error {
	if strings.TrimSpace(req.CallID) == "" {
		return errors.New("call_id is required")
	}
	if o.cfg.Open == nil {
		return failure.Configuration("observer.observe", errors.New("no upstream opener configured"))
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.run(o.ctx, req); err != nil {
			o.cfg.Metrics.ObserveError(string(failure.KindOf(err)))
			o.cfg.Logger.Error("observer leg failed", zap.String("call_id", req.CallID), zap.Error(err))
		}
	}()
	return nil
}

func (o *Observer) params(req ObserveRequest) realtime.SessionParams {
	p := realtime.SessionParams{
		Instructions: req.CustomInstructions,
		Voice:        o.cfg.Voice,
		Temperature:  o.cfg.Temperature,
		CallID:       req.CallID,
	}
	if req.CustomVoice != "" {
		p.Voice = req.CustomVoice
	}
	if o.cfg.Personas != nil {
		p.Instructions = o.cfg.Personas.Instructions(req.Language, req.PersonaType, req.CustomInstructions)
		p.Voice = o.cfg.Personas.Voice(req.PersonaType, req.CustomVoice, o.cfg.Voice)
	}
	if o.cfg.Functions != nil {
		p.Tools = o.cfg.Functions.Definitions()
	}
	return p
}

func (o *Observer) run(ctx context.Context, req ObserveRequest) error {
	log := logging.ForCall(o.cfg.Logger, req.CallID, "")
	up, err := o.cfg.Open(ctx, o.params(req), log)
	if err != nil {
		return err
	}
	defer up.Close()
	o.cfg.Metrics.CallEvent("observer_started")
	log.Info("observer leg connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-up.Events():
			if !ok {
				log.Info("observer leg closed")
				return nil
			}
			switch e := ev.(type) {
			case protocol.FunctionCallArgumentsDone:
				if o.cfg.Functions == nil {
					continue
				}
				if _, err := o.cfg.Functions.Respond(ctx, up, e); err != nil {
					log.Warn("function output not delivered", zap.String("function", e.Name), zap.Error(err))
				}
			case protocol.Error:
				o.cfg.Metrics.ObserveError(string(failure.KindUpstreamProtocol))
				log.Warn("upstream error event", zap.String("code", e.Detail.Code), zap.String("message", e.Detail.Message))
			default:
				log.Debug("observer event", zap.String("type", ev.EventType()))
			}
		}
	}
}

// Close cancels every running observer leg and waits for them to exit.
func (o *Observer) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until all observer legs have finished.
func (o *Observer) Wait() { o.wg.Wait() }

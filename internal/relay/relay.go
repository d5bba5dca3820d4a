// Package relay bridges one carrier media stream to one realtime upstream
// connection and handles caller barge-in.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/callrelay/internal/callsession"
	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/functions"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/persona"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/realtime"
	"github.com/ent0n29/callrelay/internal/recording"
	"go.uber.org/zap"
)

const cleanupTimeout = 10 * time.Second

var (
	errStreamStopped = errors.New("carrier stream stopped")
	errMaxDuration   = errors.New("max call duration reached")
)

// Config is shared by every relay in the process.
type Config struct {
	Sessions  callsession.Store
	Personas  *persona.Catalog
	Recorders *recording.Registry
	Functions *functions.Registry
	Open      Opener

	Voice            string
	Temperature      float64
	FunctionsEnabled bool
	RecordCalls      bool
	MaxCallDuration  time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// State is the per-call relay bookkeeping.
type State struct {
	StreamID               string
	CallID                 string
	LastAssistantItemID    string
	PendingMarks           []string
	ResponseStartTimestamp *int64
	LatestMediaTimestamp   int64
}

type openResult struct {
	gen int
	up  Upstream
	err error
}

// Relay owns one carrier connection. All State mutation happens on the
// goroutine running Run.
type Relay struct {
	cfg     Config
	carrier Carrier
	log     *zap.Logger

	state    State
	session  callsession.Session
	params   realtime.SessionParams
	upstream Upstream
	upEvents <-chan protocol.ServerEvent
	opened   chan openResult
	gen      int

	maxTimer   *time.Timer
	startedAt  time.Time
	firstAudio bool
	counted    bool
}

func New(cfg Config, carrier Carrier) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sessions == nil {
		cfg.Sessions = callsession.NewInMemoryStore()
	}
	if cfg.Recorders == nil {
		cfg.Recorders = recording.NewRegistry(recording.RegistryConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	return &Relay{
		cfg:     cfg,
		carrier: carrier,
		log:     cfg.Logger,
		opened:  make(chan openResult),
	}
}

// Snapshot copies the relay state. Call it from the relay goroutine or
// after Run has returned.
func (r *Relay) Snapshot() State {
	s := r.state
	s.PendingMarks = append([]string(nil), r.state.PendingMarks...)
	if r.state.ResponseStartTimestamp != nil {
		v := *r.state.ResponseStartTimestamp
		s.ResponseStartTimestamp = &v
	}
	return s
}

// SessionParams returns the parameters used for the latest upstream dial.
func (r *Relay) SessionParams() realtime.SessionParams { return r.params }

// Run relays until the carrier stops or closes, the max call duration
// elapses, or ctx is cancelled. Both legs are closed on return.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, 64)
	go r.readCarrier(ctx, frames)

	reason := "carrier_closed"
	defer func() { r.terminate(ctx, reason) }()

	for {
		select {
		case <-ctx.Done():
			reason = "canceled"
			return ctx.Err()
		case raw, ok := <-frames:
			if !ok {
				return nil
			}
			if err := r.handleCarrierFrame(ctx, raw); errors.Is(err, errStreamStopped) {
				reason = "stopped"
				return nil
			}
		case res := <-r.opened:
			r.handleOpened(res)
		case ev, ok := <-r.upEvents:
			if !ok {
				r.handleUpstreamClosed()
				continue
			}
			r.handleUpstreamEvent(ctx, ev)
		case <-r.maxTimerC():
			r.log.Info("max call duration reached", zap.Duration("limit", r.cfg.MaxCallDuration))
			reason = "max_duration"
			return nil
		}
	}
}

func (r *Relay) readCarrier(ctx context.Context, frames chan<- []byte) {
	defer close(frames)
	for {
		raw, err := r.carrier.Read()
		if err != nil {
			return
		}
		select {
		case frames <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) maxTimerC() <-chan time.Time {
	if r.maxTimer == nil {
		return nil
	}
	return r.maxTimer.C
}

func (r *Relay) handleCarrierFrame(ctx context.Context, raw []byte) error {
	ev, err := protocol.ParseCarrierMessage(raw)
	if err != nil {
		r.cfg.Metrics.CarrierMessage("in", "invalid")
		r.log.Warn("invalid carrier message", zap.Error(err))
		return nil
	}
	r.cfg.Metrics.CarrierMessage("in", string(ev.CarrierType()))

	switch m := ev.(type) {
	case protocol.Connected:
		r.log.Debug("carrier connected", zap.String("protocol", m.Protocol))
	case protocol.StreamStart:
		r.handleStart(ctx, m)
	case protocol.Media:
		r.handleMedia(m)
	case protocol.Mark:
		r.handleMark()
	case protocol.DTMF:
		r.log.Info("caller pressed key", zap.String("digit", m.Digit))
	case protocol.Stop:
		r.log.Info("carrier stream stopped")
		return errStreamStopped
	}
	return nil
}

func (r *Relay) handleStart(ctx context.Context, m protocol.StreamStart) {
	if r.state.CallID != "" && r.state.CallID != m.CallID {
		r.releaseCall(ctx)
	}
	if r.upstream != nil {
		_ = r.upstream.Close()
		r.upstream, r.upEvents = nil, nil
	}
	r.state = State{StreamID: m.StreamID, CallID: m.CallID}
	r.log = logging.ForCall(r.cfg.Logger, m.CallID, m.StreamID)
	r.startedAt = r.cfg.Now()
	r.firstAudio = false
	if !r.counted {
		r.counted = true
		r.cfg.Metrics.CallStarted()
	}

	// The stored session is consumed by the first start; a restarted
	// stream for the same call keeps what that start resolved.
	sess := r.session
	if sess.CallID != m.CallID {
		sess = r.resolveSession(ctx, m)
	}
	sess.StreamID = m.StreamID
	r.session = sess
	r.params = r.sessionParams(sess)
	r.log.Info("carrier stream started",
		zap.String("language", sess.Language),
		zap.String("persona", sess.PersonaType),
		zap.String("voice", r.params.Voice),
	)

	r.gen++
	r.openUpstream(ctx, r.gen, r.params)

	r.cfg.Recorders.Activate(m.CallID)
	if r.cfg.RecordCalls {
		rec := r.cfg.Recorders.GetOrCreate(m.CallID)
		if rec.IsRecording() {
			// Start resets the buffers; persist what the previous stream captured.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			files, err := rec.Stop(cctx)
			cancel()
			if err != nil {
				r.log.Error("flush recording before restart failed", zap.Error(err))
			} else {
				r.log.Info("recording flushed before restart", zap.Strings("files", files))
			}
		}
		rec.Start()
	}
	if r.cfg.MaxCallDuration > 0 {
		if r.maxTimer != nil {
			r.maxTimer.Stop()
		}
		r.maxTimer = time.NewTimer(r.cfg.MaxCallDuration)
	}
}

func (r *Relay) resolveSession(ctx context.Context, m protocol.StreamStart) callsession.Session {
	fallback := callsession.Defaults(m.CallID, r.defaultLanguage(), r.defaultPersona())
	if v := m.CustomParameters["language"]; v != "" {
		fallback.Language = v
	}
	if v := m.CustomParameters["persona_type"]; v != "" {
		fallback.PersonaType = v
	}
	sess, found, err := callsession.Resolve(ctx, r.cfg.Sessions, m.CallID, fallback)
	if err != nil {
		r.log.Warn("call session lookup failed, using defaults", zap.Error(err))
	}
	if !found {
		r.log.Debug("no call session registered, using defaults")
	}
	sess.StreamID = m.StreamID
	return sess
}

func (r *Relay) defaultLanguage() string {
	if r.cfg.Personas == nil {
		return "english"
	}
	return r.cfg.Personas.DefaultLanguage()
}

func (r *Relay) defaultPersona() string {
	if r.cfg.Personas == nil {
		return "support"
	}
	return r.cfg.Personas.DefaultPersona()
}

func (r *Relay) sessionParams(sess callsession.Session) realtime.SessionParams {
	p := realtime.SessionParams{
		Instructions: sess.CustomInstructions,
		Voice:        r.cfg.Voice,
		Temperature:  r.cfg.Temperature,
		Greeting:     true,
	}
	if sess.CustomVoice != "" {
		p.Voice = sess.CustomVoice
	}
	if r.cfg.Personas != nil {
		p.Instructions = r.cfg.Personas.Instructions(sess.Language, sess.PersonaType, sess.CustomInstructions)
		p.Voice = r.cfg.Personas.Voice(sess.PersonaType, sess.CustomVoice, r.cfg.Voice)
	}
	if r.cfg.FunctionsEnabled && r.cfg.Functions != nil {
		p.Tools = r.cfg.Functions.Definitions()
	}
	return p
}

func (r *Relay) openUpstream(ctx context.Context, gen int, params realtime.SessionParams) {
	if r.cfg.Open == nil {
		r.log.Error("no upstream opener configured")
		return
	}
	log := r.log
	go func() {
		up, err := r.cfg.Open(ctx, params, log)
		select {
		case r.opened <- openResult{gen: gen, up: up, err: err}:
		case <-ctx.Done():
			if up != nil {
				_ = up.Close()
			}
		}
	}()
}

func (r *Relay) handleOpened(res openResult) {
	if res.err != nil {
		r.cfg.Metrics.ObserveError(string(failure.KindOf(res.err)))
		r.log.Error("upstream connection failed", zap.Error(res.err))
		return
	}
	if res.gen != r.gen {
		_ = res.up.Close()
		return
	}
	r.upstream = res.up
	r.upEvents = res.up.Events()
	r.log.Info("upstream connected")
}

func (r *Relay) handleUpstreamClosed() {
	r.upEvents = nil
	r.log.Info("upstream closed; keeping carrier leg until it stops")
	r.cfg.Metrics.CallEvent("upstream_closed")
}

func (r *Relay) handleMedia(m protocol.Media) {
	r.state.LatestMediaTimestamp = int64(m.Timestamp)

	if r.upstream != nil && r.upstream.IsOpen() {
		if err := r.upstream.AppendAudio(m.Payload); err != nil {
			r.log.Debug("append audio failed", zap.Error(err))
		}
	}

	if rec, ok := r.cfg.Recorders.Get(r.state.CallID); ok && rec.IsRecording() {
		data, err := recording.DecodePayload(m.Payload)
		if err != nil {
			r.cfg.Metrics.ObserveError(string(failure.KindTranscoding))
			r.log.Warn("dropping undecodable caller audio", zap.Error(err))
			return
		}
		rec.AddIncoming(data)
	}
}

func (r *Relay) handleMark() {
	if len(r.state.PendingMarks) > 0 {
		r.state.PendingMarks = r.state.PendingMarks[1:]
	}
}

func (r *Relay) handleUpstreamEvent(ctx context.Context, ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.AudioDelta:
		r.handleAudioDelta(e)
	case protocol.SpeechStarted:
		r.handleSpeechStarted()
	case protocol.FunctionCallArgumentsDone:
		r.handleFunctionCall(ctx, e)
	case protocol.Error:
		r.cfg.Metrics.ObserveError(string(failure.KindUpstreamProtocol))
		r.log.Warn("upstream error event",
			zap.String("code", e.Detail.Code),
			zap.String("message", e.Detail.Message),
			zap.Bool("retryable", failure.IsRetryableUpstreamCode(e.Detail.Code)),
		)
	case protocol.ItemCreated:
		r.log.Debug("conversation item created", zap.String("item_id", e.Item.ID), zap.String("role", e.Item.Role))
	case protocol.ResponseDone:
		r.log.Debug("response done", zap.String("status", e.Response.Status))
	case protocol.SessionInfo:
		r.log.Debug("upstream session event", zap.String("type", e.Type))
	case protocol.Unhandled:
		r.log.Debug("unhandled upstream event", zap.String("type", e.Type))
	}
}

func (r *Relay) handleAudioDelta(e protocol.AudioDelta) {
	if r.state.StreamID == "" {
		return
	}
	r.send(protocol.CarrierMediaMessage(r.state.StreamID, e.Delta))

	// A new item id starts a new utterance, even when the previous one
	// finished without an interruption.
	newItem := e.ItemID != "" && e.ItemID != r.state.LastAssistantItemID
	if r.state.ResponseStartTimestamp == nil || newItem {
		ts := r.state.LatestMediaTimestamp
		r.state.ResponseStartTimestamp = &ts
	}
	if e.ItemID != "" {
		r.state.LastAssistantItemID = e.ItemID
	}
	if !r.firstAudio {
		r.firstAudio = true
		r.cfg.Metrics.ObserveFirstAudioLatency(r.cfg.Now().Sub(r.startedAt))
	}

	r.send(protocol.CarrierMarkMessage(r.state.StreamID, protocol.ResponsePartMark))
	r.state.PendingMarks = append(r.state.PendingMarks, protocol.ResponsePartMark)

	if rec, ok := r.cfg.Recorders.Get(r.state.CallID); ok && rec.IsRecording() {
		data, err := recording.DecodePayload(e.Delta)
		if err != nil {
			r.cfg.Metrics.ObserveError(string(failure.KindTranscoding))
			r.log.Warn("dropping undecodable assistant audio", zap.Error(err))
			return
		}
		rec.AddOutgoing(data)
	}
}

// handleSpeechStarted truncates the assistant's in-flight utterance at the
// point the caller has heard and flushes the carrier's playback buffer.
func (r *Relay) handleSpeechStarted() {
	if len(r.state.PendingMarks) == 0 || r.state.ResponseStartTimestamp == nil {
		return
	}
	elapsed := r.state.LatestMediaTimestamp - *r.state.ResponseStartTimestamp
	if r.state.LastAssistantItemID != "" && r.upstream != nil {
		if err := r.upstream.Truncate(r.state.LastAssistantItemID, elapsed); err != nil {
			r.log.Debug("truncate failed", zap.Error(err))
		}
	}
	r.send(protocol.CarrierClearMessage(r.state.StreamID))
	r.cfg.Metrics.Interruption()
	r.log.Info("caller interrupted assistant", zap.Int64("audio_end_ms", elapsed), zap.String("item_id", r.state.LastAssistantItemID))

	r.state.PendingMarks = nil
	r.state.LastAssistantItemID = ""
	r.state.ResponseStartTimestamp = nil
}

func (r *Relay) handleFunctionCall(ctx context.Context, e protocol.FunctionCallArgumentsDone) {
	if !r.cfg.FunctionsEnabled || r.cfg.Functions == nil || r.upstream == nil {
		r.log.Debug("function call ignored", zap.String("function", e.Name))
		return
	}
	if _, err := r.cfg.Functions.Respond(ctx, r.upstream, e); err != nil {
		r.log.Warn("function output not delivered", zap.String("function", e.Name), zap.Error(err))
	}
}

func (r *Relay) send(msg protocol.CarrierOutbound) {
	if err := r.carrier.Send(msg); err != nil {
		r.log.Debug("carrier send failed", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	r.cfg.Metrics.CarrierMessage("out", string(msg.Event))
}

func (r *Relay) releaseCall(ctx context.Context) {
	callID := r.state.CallID
	if callID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := r.cfg.Sessions.Delete(cctx, callID); err != nil {
		r.log.Warn("call session cleanup failed", zap.Error(err))
	}
	paths, err := r.cfg.Recorders.Remove(cctx, callID)
	if err != nil {
		r.log.Error("recording flush failed", zap.Error(err))
	}
	if len(paths) > 0 {
		r.log.Info("recording flushed on call end", zap.Strings("files", paths))
	}
}

func (r *Relay) terminate(ctx context.Context, reason string) {
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	if r.upstream != nil {
		_ = r.upstream.Close()
	}
	r.releaseCall(ctx)
	_ = r.carrier.Close()
	if r.counted {
		r.cfg.Metrics.CallEnded(reason)
	}
	r.log.Info("relay finished", zap.String("reason", reason))
}

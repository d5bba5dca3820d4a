package recording

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/callrelay/internal/observability"
	"go.uber.org/zap"
)

// ErrCallNotActive is returned when a recording is requested for a call
// with no live media stream.
var ErrCallNotActive = errors.New("call has no active media stream")

type RegistryConfig struct {
	Storage Storage
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Registry maps call ids to recorders.
type Registry struct {
	cfg RegistryConfig

	mu        sync.Mutex
	recorders map[string]*Recorder
	calls     map[string]struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Storage == nil {
		cfg.Storage = NewFileStorage("")
	}
	return &Registry{
		cfg:       cfg,
		recorders: make(map[string]*Recorder),
		calls:     make(map[string]struct{}),
	}
}

func (r *Registry) Storage() Storage { return r.cfg.Storage }

// Activate marks callID as having a live media stream. Remove clears it.
func (r *Registry) Activate(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[callID] = struct{}{}
}

// GetOrCreate returns the recorder for callID, creating an idle one if needed.
func (r *Registry) GetOrCreate(callID string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(callID)
}

// StartActive starts recording callID. Only activated calls get a recorder,
// so nothing is left behind for calls that never stream.
func (r *Registry) StartActive(callID string) (*Recorder, error) {
	r.mu.Lock()
	if _, ok := r.calls[callID]; !ok {
		r.mu.Unlock()
		return nil, ErrCallNotActive
	}
	rec := r.getOrCreateLocked(callID)
	r.mu.Unlock()
	rec.Start()
	return rec, nil
}

func (r *Registry) getOrCreateLocked(callID string) *Recorder {
	rec, ok := r.recorders[callID]
	if !ok {
		rec = newRecorder(callID, r.cfg.Storage, r.cfg.Now, r.cfg.Logger, r.cfg.Metrics)
		r.recorders[callID] = rec
	}
	return rec
}

func (r *Registry) Get(callID string) (*Recorder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recorders[callID]
	return rec, ok
}

// Remove ends callID: the call is no longer active and its recorder is
// dropped, stopping it first if it is still recording.
func (r *Registry) Remove(ctx context.Context, callID string) ([]string, error) {
	r.mu.Lock()
	rec, ok := r.recorders[callID]
	delete(r.recorders, callID)
	delete(r.calls, callID)
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return rec.Stop(ctx)
}

// Active lists the call ids currently recording.
func (r *Registry) Active() []string {
	r.mu.Lock()
	recs := make([]*Recorder, 0, len(r.recorders))
	for _, rec := range r.recorders {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.IsRecording() {
			out = append(out, rec.CallID())
		}
	}
	sort.Strings(out)
	return out
}

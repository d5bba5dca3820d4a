// Package recording buffers call audio and writes it out as WAV files.
package recording

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

const kindConversation = "conversation"

// Chunk is one µ-law frame tagged with direction and arrival time.
type Chunk struct {
	Direction Direction
	Data      []byte
	At        time.Time
}

// Recorder accumulates the audio of one call. Chunks are only accepted
// between Start and Stop.
type Recorder struct {
	callID  string
	storage Storage
	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics

	mu            sync.Mutex
	recording     bool
	incoming      []Chunk
	outgoing      []Chunk
	chronological []Chunk
}

func newRecorder(callID string, storage Storage, now func() time.Time, logger *zap.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		callID:  callID,
		storage: storage,
		now:     now,
		logger:  logger,
		metrics: metrics,
	}
}

func (r *Recorder) CallID() string { return r.callID }

// Start clears any buffered audio and begins accepting chunks.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming = nil
	r.outgoing = nil
	r.chronological = nil
	r.recording = true
}

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) AddIncoming(data []byte) { r.add(Incoming, data) }
func (r *Recorder) AddOutgoing(data []byte) { r.add(Outgoing, data) }

func (r *Recorder) add(dir Direction, data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	c := Chunk{Direction: dir, Data: append([]byte(nil), data...), At: r.now()}
	if dir == Incoming {
		r.incoming = append(r.incoming, c)
	} else {
		r.outgoing = append(r.outgoing, c)
	}
	r.chronological = append(r.chronological, c)
}

// Stop ends the recording and writes up to three WAV files: incoming,
// outgoing and the interleaved conversation. It returns the locations
// written. A second Stop returns nil, nil. On a write failure the error is a
// persistence failure and the successful locations are still returned.
func (r *Recorder) Stop(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, nil
	}
	r.recording = false
	files := []struct {
		kind   string
		chunks []Chunk
	}{
		{kind: string(Incoming), chunks: r.incoming},
		{kind: string(Outgoing), chunks: r.outgoing},
		{kind: kindConversation, chunks: r.chronological},
	}
	r.incoming, r.outgoing, r.chronological = nil, nil, nil
	stamp := r.now()
	r.mu.Unlock()

	sort.SliceStable(files[2].chunks, func(i, j int) bool {
		return files[2].chunks[i].At.Before(files[2].chunks[j].At)
	})

	paths := make([]string, len(files))
	errs := make([]error, len(files))
	var g errgroup.Group
	for i, f := range files {
		if len(f.chunks) == 0 {
			continue
		}
		g.Go(func() error {
			name := FileName(r.callID, stamp, f.kind)
			path, err := r.write(ctx, name, f.chunks)
			r.metrics.RecordingFile(f.kind, err)
			if err != nil {
				errs[i] = err
				return err
			}
			paths[i] = path
			return nil
		})
	}
	_ = g.Wait()

	written := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			written = append(written, p)
		}
	}
	if err := errors.Join(errs...); err != nil {
		perr := failure.Persistence("recording.stop", err)
		r.metrics.ObserveError(string(failure.KindPersistence))
		r.logger.Error("recording write failed", zap.String("call_id", r.callID), zap.Error(perr))
		return written, perr
	}
	r.logger.Info("recording saved", zap.String("call_id", r.callID), zap.Strings("files", written))
	return written, nil
}

func (r *Recorder) write(ctx context.Context, name string, chunks []Chunk) (string, error) {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	mulaw := make([]byte, 0, size)
	for _, c := range chunks {
		mulaw = append(mulaw, c.Data...)
	}
	wav, err := audio.EncodeWAV(audio.DecodeMulaw(mulaw), audio.TelephonySampleRate)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return r.storage.Put(ctx, name, wav)
}

// FileName builds <callId>_<timestamp>_<kind>.wav with colons in the UTC
// timestamp replaced by dashes.
func FileName(callID string, at time.Time, kind string) string {
	stamp := strings.ReplaceAll(at.UTC().Format("2006-01-02T15:04:05.000Z07:00"), ":", "-")
	return fmt.Sprintf("%s_%s_%s.wav", sanitize(callID), stamp, kind)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
}

// DecodePayload turns a carrier media payload into raw µ-law bytes.
func DecodePayload(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, failure.Transcoding("recording.decode", err)
	}
	return b, nil
}

package recording

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/failure"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

type memStorage struct {
	mu      sync.Mutex
	files   map[string][]byte
	failFor string
}

func newMemStorage() *memStorage { return &memStorage{files: make(map[string][]byte)} }

func (m *memStorage) Put(_ context.Context, name string, data []byte) (string, error) {
	if m.failFor != "" && strings.Contains(name, m.failFor) {
		return "", errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = data
	return "mem://" + name, nil
}

func (m *memStorage) List(context.Context) ([]Object, error) { return nil, nil }

func (m *memStorage) Open(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(context.Context, string) error { return nil }

func newTestRegistry(storage Storage) *Registry {
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(RegistryConfig{Storage: storage, Now: clock.Now})
}

func TestRecorderIgnoresChunksWhenNotRecording(t *testing.T) {
	storage := newMemStorage()
	rec := newTestRegistry(storage).GetOrCreate("CA1")

	rec.AddIncoming([]byte{0xFF})
	rec.AddOutgoing([]byte{0x7F})
	rec.Start()
	paths, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("paths = %v, want none for chunks added before Start", paths)
	}

	rec.AddIncoming([]byte{0xFF})
	if len(storage.files) != 0 {
		t.Fatalf("files = %d, want 0", len(storage.files))
	}
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	rec := newTestRegistry(newMemStorage()).GetOrCreate("CA1")
	rec.Start()
	rec.AddIncoming([]byte{0xFF, 0x7F})

	paths, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want incoming and conversation", paths)
	}
	paths, err = rec.Stop(context.Background())
	if err != nil || paths != nil {
		t.Fatalf("second Stop() = %v, %v, want nil, nil", paths, err)
	}
}

func TestRecorderWritesThreeFiles(t *testing.T) {
	storage := newMemStorage()
	rec := newTestRegistry(storage).GetOrCreate("CA123")
	rec.Start()
	rec.AddIncoming([]byte{0x00, 0x01})
	rec.AddOutgoing([]byte{0x80})
	rec.AddIncoming([]byte{0xFF})

	paths, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("paths = %v, want 3", paths)
	}
	for i, kind := range []string{"incoming", "outgoing", "conversation"} {
		if !strings.HasSuffix(paths[i], "_"+kind+".wav") {
			t.Fatalf("paths[%d] = %q, want %s file", i, paths[i], kind)
		}
		if !strings.HasPrefix(paths[i], "mem://CA123_2026-03-01T12-00-00.") {
			t.Fatalf("paths[%d] = %q, unexpected name", i, paths[i])
		}
	}

	conv := storage.files[strings.TrimPrefix(paths[2], "mem://")]
	pcm, rate, err := audio.DecodeWAV(conv)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != audio.TelephonySampleRate {
		t.Fatalf("rate = %d, want %d", rate, audio.TelephonySampleRate)
	}
	want := audio.DecodeMulaw([]byte{0x00, 0x01, 0x80, 0xFF})
	if len(pcm) != len(want) {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), len(want))
	}
	for i := range want {
		if pcm[i] != want[i] {
			t.Fatalf("pcm[%d] = %d, want %d", i, pcm[i], want[i])
		}
	}
}

func TestRecorderStartResetsBuffers(t *testing.T) {
	storage := newMemStorage()
	rec := newTestRegistry(storage).GetOrCreate("CA1")
	rec.Start()
	rec.AddIncoming([]byte{0x01, 0x02, 0x03})
	rec.Start()
	rec.AddIncoming([]byte{0x04})

	paths, err := rec.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	data := storage.files[strings.TrimPrefix(paths[0], "mem://")]
	if len(data) != 44+2 {
		t.Fatalf("incoming wav size = %d, want %d", len(data), 46)
	}
}

func TestRecorderWriteFailureIsPersistenceError(t *testing.T) {
	storage := newMemStorage()
	storage.failFor = "_outgoing"
	rec := newTestRegistry(storage).GetOrCreate("CA1")
	rec.Start()
	rec.AddIncoming([]byte{0x01})
	rec.AddOutgoing([]byte{0x02})

	paths, err := rec.Stop(context.Background())
	if !failure.Is(err, failure.KindPersistence) {
		t.Fatalf("Stop() error = %v, want persistence failure", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want incoming and conversation still written", paths)
	}
	if rec.IsRecording() {
		t.Fatalf("IsRecording() = true after failed Stop")
	}
}

func TestRegistryRemoveForcesStop(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry(NewFileStorage(dir))
	rec := reg.GetOrCreate("CA1")
	if reg.GetOrCreate("CA1") != rec {
		t.Fatalf("GetOrCreate() returned a different recorder")
	}
	rec.Start()
	rec.AddOutgoing([]byte{0x10, 0x20})
	if got := reg.Active(); len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("Active() = %v, want [CA1]", got)
	}

	paths, err := reg.Remove(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2", paths)
	}
	for _, p := range paths {
		if filepath.Dir(p) != dir {
			t.Fatalf("path %q not under %q", p, dir)
		}
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("Stat(%q) error = %v", p, err)
		}
	}
	if _, ok := reg.Get("CA1"); ok {
		t.Fatalf("Get() found recorder after Remove")
	}
	if paths, err := reg.Remove(context.Background(), "CA1"); paths != nil || err != nil {
		t.Fatalf("second Remove() = %v, %v", paths, err)
	}
	if got := reg.Active(); len(got) != 0 {
		t.Fatalf("Active() = %v, want empty", got)
	}
}

func TestRegistryStartActiveRequiresActivation(t *testing.T) {
	reg := newTestRegistry(newMemStorage())
	if _, err := reg.StartActive("CA9"); !errors.Is(err, ErrCallNotActive) {
		t.Fatalf("StartActive() before Activate error = %v, want ErrCallNotActive", err)
	}
	if _, ok := reg.Get("CA9"); ok {
		t.Fatalf("recorder created for an inactive call")
	}

	reg.Activate("CA9")
	rec, err := reg.StartActive("CA9")
	if err != nil {
		t.Fatalf("StartActive() error = %v", err)
	}
	if !rec.IsRecording() {
		t.Fatalf("recorder not recording after StartActive")
	}

	if _, err := reg.Remove(context.Background(), "CA9"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := reg.StartActive("CA9"); !errors.Is(err, ErrCallNotActive) {
		t.Fatalf("StartActive() after Remove error = %v, want ErrCallNotActive", err)
	}
	if _, ok := reg.Get("CA9"); ok {
		t.Fatalf("recorder recreated after call ended")
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 5, 7, 123_000_000, time.FixedZone("CET", 3600))
	got := FileName("CA1/x", at, "incoming")
	if got != "CA1_x_2026-03-01T08-05-07.123Z_incoming.wav" {
		t.Fatalf("FileName() = %q", got)
	}
}

func TestDecodePayload(t *testing.T) {
	b, err := DecodePayload("/38=")
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !bytes.Equal(b, []byte{0xFF, 0x7F}) {
		t.Fatalf("DecodePayload() = %v", b)
	}
	if _, err := DecodePayload("%%%"); !failure.Is(err, failure.KindTranscoding) {
		t.Fatalf("DecodePayload(bad) error = %v, want transcoding failure", err)
	}
}

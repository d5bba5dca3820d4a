// Command callsim plays the carrier side of a media stream against a running
// callrelay: it streams µ-law audio from a WAV file, acknowledges marks the
// way a phone would after playback, and reports what the assistant sent back.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/telephony"
)

type options struct {
	baseURL     string
	wavPath     string
	callID      string
	streamID    string
	language    string
	personaType string
	register    bool
	chunkMS     int
	realtime    float64
	listen      time.Duration
	verbose     bool
}

type summary struct {
	mu         sync.Mutex
	media      int
	audioBytes int
	marks      int
	clears     int
	firstAudio time.Duration
}

func (s *summary) observe(msg protocol.CarrierOutbound, since time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Event {
	case protocol.CarrierMedia:
		s.media++
		if msg.Media != nil {
			if raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload); err == nil {
				s.audioBytes += len(raw)
			}
		}
		if s.firstAudio == 0 {
			s.firstAudio = since
		}
	case protocol.CarrierMark:
		s.marks++
	case protocol.CarrierClear:
		s.clears++
	}
}

func (s *summary) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	played := time.Duration(s.audioBytes) * time.Second / audio.TelephonySampleRate
	return fmt.Sprintf("media=%d marks=%d clears=%d assistant_audio=%s first_audio=%s",
		s.media, s.marks, s.clears, played, s.firstAudio)
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "callrelay base URL")
	fs.StringVar(&cfg.wavPath, "wav", "", "mono 16-bit PCM WAV to stream as the caller (a 440Hz tone when empty)")
	fs.StringVar(&cfg.callID, "call-id", "", "carrier call id (random when empty)")
	fs.StringVar(&cfg.streamID, "stream-id", "", "media stream id (random when empty)")
	fs.StringVar(&cfg.language, "language", "", "language registered for the call")
	fs.StringVar(&cfg.personaType, "persona", "", "persona registered for the call")
	fs.BoolVar(&cfg.register, "register", true, "register the call session before streaming")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 20, "media frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.listen, "listen", 8*time.Second, "how long to keep listening after the caller audio ends")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every event received")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 1000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,1000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.listen < 0 {
		cfg.listen = 0
	}
	if cfg.callID == "" {
		cfg.callID = "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cfg.streamID == "" {
		cfg.streamID = "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pcm, err := loadCallerAudio(cfg.wavPath)
	if err != nil {
		return err
	}
	frames := chunkMulaw(audio.EncodeMulaw(pcm), cfg.chunkMS)

	if cfg.register {
		client := &http.Client{Timeout: 15 * time.Second}
		if err := registerSession(ctx, client, cfg); err != nil {
			return fmt.Errorf("register session: %w", err)
		}
	}

	wsURL, err := mediaStreamURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	fmt.Printf("callsim: call=%s stream=%s frames=%d chunk_ms=%d\n", cfg.callID, cfg.streamID, len(frames), cfg.chunkMS)

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	stats := &summary{}
	started := time.Now()
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLoop(conn, cfg, stats, started, send)
	}()

	if err := send(map[string]any{"event": string(protocol.CarrierConnected), "protocol": "Call", "version": "1.0.0"}); err != nil {
		return fmt.Errorf("send connected: %w", err)
	}
	if err := send(protocol.CarrierStartMessage(cfg.streamID, cfg.callID, map[string]string{
		"language":     cfg.language,
		"persona_type": cfg.personaType,
	})); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	frameDelay := time.Duration(float64(time.Duration(cfg.chunkMS)*time.Millisecond) / cfg.realtime)
	ts := int64(0)
	for i, frame := range frames {
		select {
		case err := <-readErr:
			return fmt.Errorf("stream ended after %d frames: %w", i, err)
		default:
		}
		payload := base64.StdEncoding.EncodeToString(frame)
		if err := send(protocol.CarrierInboundMedia(cfg.streamID, payload, ts)); err != nil {
			return fmt.Errorf("send media frame %d: %w", i, err)
		}
		ts += int64(cfg.chunkMS)
		time.Sleep(frameDelay)
	}

	select {
	case err := <-readErr:
		fmt.Printf("callsim: relay closed the stream: %v\n", err)
	case <-time.After(cfg.listen):
		if err := send(protocol.CarrierStopMessage(cfg.streamID, cfg.callID)); err != nil {
			return fmt.Errorf("send stop: %w", err)
		}
	}

	fmt.Printf("callsim: %s\n", stats)
	return nil
}

// readLoop counts what the relay sends and echoes every mark back, which is
// what the carrier does once the preceding audio has played.
func readLoop(conn *websocket.Conn, cfg options, stats *summary, started time.Time, send func(any) error) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg protocol.CarrierOutbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		stats.observe(msg, time.Since(started))
		if cfg.verbose {
			fmt.Printf("callsim: <- %s\n", msg.Event)
		}
		if msg.Event == protocol.CarrierMark && msg.Mark != nil {
			if err := send(protocol.CarrierInboundMark(cfg.streamID, msg.Mark.Name)); err != nil {
				return err
			}
		}
	}
}

func registerSession(ctx context.Context, client *http.Client, cfg options) error {
	body, err := json.Marshal(map[string]string{
		"language":     cfg.language,
		"persona_type": cfg.personaType,
	})
	if err != nil {
		return err
	}
	endpoint := cfg.baseURL + "/v1/calls/" + url.PathEscape(cfg.callID) + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func mediaStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + telephony.MediaStreamPath
	u.RawQuery = ""
	return u.String(), nil
}

func loadCallerAudio(path string) ([]int16, error) {
	if strings.TrimSpace(path) == "" {
		return tone(440, 2*time.Second, audio.TelephonySampleRate), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("wav %s has no samples", path)
	}
	return resample(pcm, rate, audio.TelephonySampleRate), nil
}

// resample converts pcm from one rate to another by linear interpolation.
func resample(pcm []int16, from, to int) []int16 {
	if from <= 0 || from == to || len(pcm) == 0 {
		return pcm
	}
	n := int(int64(len(pcm)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(math.Round(float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac))
	}
	return out
}

// chunkMulaw splits 8kHz µ-law audio into frames of chunkMS. The last frame
// may be short.
func chunkMulaw(data []byte, chunkMS int) [][]byte {
	size := audio.TelephonySampleRate * chunkMS / 1000
	if size <= 0 {
		size = 1
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		frames = append(frames, data[off:end])
	}
	return frames
}

func tone(freq float64, d time.Duration, rate int) []int16 {
	n := int(d.Seconds() * float64(rate))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

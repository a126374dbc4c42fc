package wsdevice_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livelab/pkg/audio"
	"github.com/MrWong99/livelab/pkg/audio/wsdevice"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type pair struct {
	dev     *wsdevice.Device
	browser *websocket.Conn
	runErr  chan error
}

// connect starts a server hosting one Device and dials it as the browser.
func connect(t *testing.T, opts ...wsdevice.Option) *pair {
	t.Helper()
	devCh := make(chan *wsdevice.Device, 1)
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		dev := wsdevice.New(conn, opts...)
		devCh <- dev
		runErr <- dev.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	browser, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { browser.CloseNow() })

	select {
	case dev := <-devCh:
		return &pair{dev: dev, browser: browser, runErr: runErr}
	case <-time.After(3 * time.Second):
		t.Fatal("device not created")
	}
	return nil
}

// recv reads the next JSON message from the server.
func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read from server: %v", err)
	}
	return msg
}

func reply(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write to server: %v", err)
	}
}

func sendBlock(t *testing.T, conn *websocket.Conn, samples []float32) {
	t.Helper()
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, raw); err != nil {
		t.Fatalf("write block: %v", err)
	}
}

type openResult struct {
	stream audio.CaptureStream
	err    error
}

func openCapture(ctx context.Context, dev *wsdevice.Device) chan openResult {
	ch := make(chan openResult, 1)
	go func() {
		s, err := dev.OpenCapture(ctx, audio.CaptureConfig{SampleRate: 16000, FrameSize: 4096})
		ch <- openResult{s, err}
	}()
	return ch
}

// ── Capture ──────────────────────────────────────────────────────────────────

func TestOpenCapture_ReadyAndFrames(t *testing.T) {
	t.Parallel()
	p := connect(t)

	res := openCapture(context.Background(), p.dev)
	msg := recv(t, p.browser)
	if msg["type"] != wsdevice.TypeCaptureOpen || msg["sample_rate"] != float64(16000) || msg["frame_size"] != float64(4096) {
		t.Fatalf("capture_open = %v", msg)
	}
	reply(t, p.browser, map[string]any{"type": "capture_ready", "sample_rate": 48000})

	r := <-res
	if r.err != nil {
		t.Fatalf("OpenCapture: %v", r.err)
	}
	if r.stream.SampleRate() != 48000 {
		t.Errorf("negotiated rate = %d, want 48000", r.stream.SampleRate())
	}

	sendBlock(t, p.browser, []float32{0.25, -0.5, 1})
	select {
	case block := <-r.stream.Frames():
		if len(block) != 3 || block[0] != 0.25 || block[1] != -0.5 || block[2] != 1 {
			t.Errorf("block = %v", block)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}

	if err := r.stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if msg := recv(t, p.browser); msg["type"] != wsdevice.TypeCaptureClose {
		t.Errorf("after Close got %v, want capture_close", msg)
	}
	if _, ok := <-r.stream.Frames(); ok {
		t.Error("frames channel still open after Close")
	}
}

func TestOpenCapture_Denied(t *testing.T) {
	t.Parallel()
	p := connect(t)

	res := openCapture(context.Background(), p.dev)
	recv(t, p.browser)
	reply(t, p.browser, map[string]any{"type": "capture_denied", "reason": "NotAllowedError"})

	r := <-res
	if !errors.Is(r.err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", r.err)
	}
	if !strings.Contains(r.err.Error(), "NotAllowedError") {
		t.Errorf("err = %v, want browser reason", r.err)
	}

	// A new request may follow a refusal.
	res = openCapture(context.Background(), p.dev)
	recv(t, p.browser)
	reply(t, p.browser, map[string]any{"type": "capture_ready"})
	if r := <-res; r.err != nil || r.stream.SampleRate() != 16000 {
		t.Fatalf("second OpenCapture = %v, %v", r.stream, r.err)
	}
}

func TestOpenCapture_ContextExpires(t *testing.T) {
	t.Parallel()
	p := connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := openCapture(ctx, p.dev)
	recv(t, p.browser)

	r := <-res
	if !errors.Is(r.err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", r.err)
	}
	if msg := recv(t, p.browser); msg["type"] != wsdevice.TypeCaptureClose {
		t.Errorf("got %v, want capture_close after abandoned request", msg)
	}
}

func TestCapture_DropsWhenConsumerLags(t *testing.T) {
	t.Parallel()
	var drops atomic.Int64
	p := connect(t, wsdevice.WithDropHook(func() { drops.Add(1) }))

	res := openCapture(context.Background(), p.dev)
	recv(t, p.browser)
	reply(t, p.browser, map[string]any{"type": "capture_ready", "sample_rate": 16000})
	if r := <-res; r.err != nil {
		t.Fatal(r.err)
	}

	for range 40 {
		sendBlock(t, p.browser, make([]float32, 16))
	}
	deadline := time.Now().Add(3 * time.Second)
	for drops.Load() < 8 {
		if time.Now().After(deadline) {
			t.Fatalf("drops = %d, want 8", drops.Load())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCapture_EndsWhenBrowserLeaves(t *testing.T) {
	t.Parallel()
	p := connect(t)

	res := openCapture(context.Background(), p.dev)
	recv(t, p.browser)
	reply(t, p.browser, map[string]any{"type": "capture_ready", "sample_rate": 16000})
	r := <-res
	if r.err != nil {
		t.Fatal(r.err)
	}

	p.browser.Close(websocket.StatusNormalClosure, "tab closed")

	select {
	case err := <-p.runErr:
		if err != nil {
			t.Errorf("Run = %v, want nil on normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := <-r.stream.Frames(); ok {
		t.Error("frames channel still open after disconnect")
	}
	if _, ok := <-p.dev.Commands(); ok {
		t.Error("commands channel still open after disconnect")
	}
	if err := r.stream.Close(); err != nil {
		t.Errorf("Close after disconnect = %v", err)
	}
}

// ── Output ───────────────────────────────────────────────────────────────────

func TestOutput_PlayAndNaturalEnd(t *testing.T) {
	t.Parallel()
	p := connect(t)

	out, err := p.dev.OpenOutput(context.Background(), audio.OutputConfig{SampleRate: 24000})
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	if msg := recv(t, p.browser); msg["type"] != wsdevice.TypeOutputOpen || msg["sample_rate"] != float64(24000) {
		t.Fatalf("output_open = %v", msg)
	}

	ended := make(chan struct{})
	samples := []float32{0.5, -0.25}
	at := out.Now() + 10*time.Millisecond
	src, err := out.Play(audio.Buffer{Samples: samples, SampleRate: 24000}, at, func() { close(ended) })
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	msg := recv(t, p.browser)
	if msg["type"] != wsdevice.TypePlay || msg["id"] != float64(src.ID()) {
		t.Fatalf("play = %v", msg)
	}
	if start := msg["start"].(float64); math.Abs(start-at.Seconds()) > 1e-9 {
		t.Errorf("start = %f, want %f", start, at.Seconds())
	}
	raw, err := base64.StdEncoding.DecodeString(msg["data"].(string))
	if err != nil || len(raw) != 8 {
		t.Fatalf("data = %d bytes, err %v", len(raw), err)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(raw[4:])); got != -0.25 {
		t.Errorf("second sample = %f, want -0.25", got)
	}

	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("natural end not reported")
	}
}

func TestOutput_StopSuppressesEnd(t *testing.T) {
	t.Parallel()
	p := connect(t)

	out, err := p.dev.OpenOutput(context.Background(), audio.OutputConfig{SampleRate: 24000})
	if err != nil {
		t.Fatal(err)
	}
	recv(t, p.browser)

	var endedCalls atomic.Int32
	src, err := out.Play(audio.Buffer{Samples: make([]float32, 2400), SampleRate: 24000}, out.Now()+50*time.Millisecond,
		func() { endedCalls.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	recv(t, p.browser)

	src.Stop()
	msg := recv(t, p.browser)
	if msg["type"] != wsdevice.TypeStop || msg["id"] != float64(src.ID()) {
		t.Fatalf("stop = %v", msg)
	}
	time.Sleep(250 * time.Millisecond)
	if endedCalls.Load() != 0 {
		t.Error("stopped source reported a natural end")
	}

	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if msg := recv(t, p.browser); msg["type"] != wsdevice.TypeOutputClose {
		t.Errorf("got %v, want output_close", msg)
	}
	if _, err := out.Play(audio.Buffer{Samples: []float32{0}, SampleRate: 24000}, 0, nil); err == nil {
		t.Error("Play after Close succeeded")
	}
}

func TestOutput_ClockIsMonotonic(t *testing.T) {
	t.Parallel()
	p := connect(t)

	out, err := p.dev.OpenOutput(context.Background(), audio.OutputConfig{SampleRate: 24000})
	if err != nil {
		t.Fatal(err)
	}
	a := out.Now()
	time.Sleep(5 * time.Millisecond)
	if b := out.Now(); b <= a {
		t.Errorf("clock went from %v to %v", a, b)
	}
}

// ── Control ──────────────────────────────────────────────────────────────────

func TestCommands(t *testing.T) {
	t.Parallel()
	p := connect(t)

	for _, c := range []wsdevice.Command{wsdevice.CommandStart, wsdevice.CommandInterrupt, wsdevice.CommandStop} {
		reply(t, p.browser, map[string]any{"type": string(c)})
		select {
		case got := <-p.dev.Commands():
			if got != c {
				t.Errorf("command = %q, want %q", got, c)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("command %q not delivered", c)
		}
	}
}

func TestStatusVolumeAndLogs(t *testing.T) {
	t.Parallel()
	p := connect(t)

	if err := p.dev.SendStatus("idle", "Error", errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	msg := recv(t, p.browser)
	if msg["type"] != wsdevice.TypeStatus || msg["message"] != "Error" || msg["error"] != "boom" {
		t.Errorf("status = %v", msg)
	}

	if err := p.dev.SendVolume(42.5); err != nil {
		t.Fatal(err)
	}
	if msg := recv(t, p.browser); msg["level"] != 42.5 {
		t.Errorf("volume = %v", msg)
	}

	if err := p.dev.SendLogs([]string{"Mikrofon aktif."}); err != nil {
		t.Fatal(err)
	}
	msg = recv(t, p.browser)
	if lines, _ := msg["lines"].([]any); len(lines) != 1 || lines[0] != "Mikrofon aktif." {
		t.Errorf("logs = %v", msg)
	}
}

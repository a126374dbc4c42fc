package wsdevice

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Message types sent to the browser.
const (
	TypeCaptureOpen  = "capture_open"
	TypeCaptureClose = "capture_close"
	TypeOutputOpen   = "output_open"
	TypeOutputClose  = "output_close"
	TypePlay         = "play"
	TypeStop         = "stop"
	TypeStatus       = "status"
	TypeVolume       = "volume"
	TypeLogs         = "logs"
)

// Message types received from the browser.
const (
	TypeCaptureReady  = "capture_ready"
	TypeCaptureDenied = "capture_denied"
)

// Command is a user action forwarded by the browser page.
type Command string

const (
	CommandStart     Command = "start"
	CommandStop      Command = "stop"
	CommandInterrupt Command = "interrupt"
)

type captureOpenMsg struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	FrameSize  int    `json:"frame_size"`
}

type outputOpenMsg struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
}

// playMsg schedules one buffer. Start is seconds on the output clock; Data is
// base64 of little-endian float32 samples.
type playMsg struct {
	Type       string  `json:"type"`
	ID         uint64  `json:"id"`
	Start      float64 `json:"start"`
	SampleRate int     `json:"sample_rate"`
	Data       string  `json:"data"`
}

type stopMsg struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

type statusMsg struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type volumeMsg struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
}

type logsMsg struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines"`
}

// inboundMsg is the union of every text message the browser sends.
type inboundMsg struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// encodeFloat32 packs samples as base64 little-endian float32.
func encodeFloat32(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// decodeFloat32 unpacks a binary capture block.
func decodeFloat32(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("wsdevice: capture block of %d bytes is not whole float32 samples", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

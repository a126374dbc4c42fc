package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedPCM is returned when a PCM payload cannot be decoded: empty
// payloads, invalid base64 and byte counts that are not a whole number of
// 16-bit samples all wrap this error.
var ErrMalformedPCM = errors.New("audio: malformed pcm payload")

// pcmScale maps float32 samples in [-1, 1] onto the int16 range.
const pcmScale = 32768

// Blob is a base64 PCM payload together with its MIME type, the shape used by
// realtime-input wire envelopes.
type Blob struct {
	// Data is the base64 (standard encoding) representation of little-endian
	// PCM16 samples.
	Data string `json:"data"`

	// MIMEType declares the encoding and sample rate, e.g. "audio/pcm;rate=16000".
	MIMEType string `json:"mimeType"`
}

// PCMMIMEType returns the MIME type for raw PCM16 at the given sample rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseMIMERate extracts the "rate=" parameter from a PCM MIME type.
// It returns 0 when the parameter is absent or not a positive integer.
func ParseMIMERate(mime string) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		rate, err := strconv.Atoi(value)
		if err != nil || rate <= 0 {
			return 0
		}
		return rate
	}
	return 0
}

// Float32ToPCM16 converts float samples to little-endian signed 16-bit PCM.
//
// Each sample is scaled by 32768 and truncated toward zero. Nothing is
// clamped: values outside [-1, 1) wrap around the int16 range (1.0 becomes
// -32768). NaN and ±Inf become 0.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(float64(s)*pcmScale)))
	}
	return out
}

// toInt16 truncates v toward zero and reduces it modulo 2^16.
func toInt16(v float64) int16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	v = math.Trunc(v)
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return int16(int32(v))
	}
	return int16(int64(math.Mod(v, 1<<16)))
}

// PCM16ToFloat32 converts little-endian signed 16-bit PCM to float samples in
// [-1, 1) by dividing each sample by 32768.
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPCM, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// EncodeFrame converts a captured float block into a realtime-input blob
// declaring the given sample rate.
func EncodeFrame(samples []float32, rate int) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(Float32ToPCM16(samples)),
		MIMEType: PCMMIMEType(rate),
	}
}

// DecodeChunk decodes a base64 PCM16 payload into float samples.
func DecodeChunk(data string) ([]float32, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPCM)
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPCM, err)
	}
	return PCM16ToFloat32(pcm)
}

// Level returns the RMS loudness of samples on a 0–100 display scale.
// An empty or silent block yields exactly 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	if sum == 0 {
		return 0
	}
	return min(math.Sqrt(sum/float64(len(samples)))*100, 100)
}

package bridge

import (
	"errors"
	"sync"

	"github.com/MrWong99/livelab/pkg/provider/live"
)

// ErrTransport wraps every failure of the live session transport, both during
// establishment and while connected.
var ErrTransport = errors.New("bridge: transport error")

// ErrAlreadyActive is returned by [Bridge.Start] when a session is connecting
// or connected.
var ErrAlreadyActive = errors.New("bridge: session already active")

// State is the lifecycle phase of a [Bridge].
type State int

const (
	// StateIdle means no session and no held devices.
	StateIdle State = iota
	// StateConnecting means Start is acquiring the microphone, the output and
	// the live session.
	StateConnecting
	// StateConnected means audio is flowing in both directions.
	StateConnected
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// User-facing status strings shown by the lab page.
const (
	StatusReady        = "Siap Terhubung"
	StatusConnecting   = "Menghubungkan..."
	StatusConnected    = "Terhubung"
	StatusDisconnected = "Terputus"
	StatusError        = "Error"

	// StatusQuotaExhausted replaces StatusError when the service refused the
	// session because the API key's quota is used up.
	StatusQuotaExhausted = "KUOTA HABIS (429)"
)

// quotaNotice is the activity line for a quota rejection.
const quotaNotice = "KUOTA HABIS (429): Batas penggunaan AI harian telah tercapai. Silakan coba lagi besok."

// maxDetail bounds the error text quoted in an activity line.
const maxDetail = 100

// failureStatus is the idle status reported for err.
func failureStatus(err error) Status {
	if errors.Is(err, live.ErrQuotaExhausted) {
		return Status{State: StateIdle, Message: StatusQuotaExhausted, Err: err}
	}
	return Status{State: StateIdle, Message: StatusError, Err: err}
}

// describeFailure renders a service failure for the activity log.
func describeFailure(detail string, quota bool) string {
	if quota {
		return quotaNotice
	}
	if r := []rune(detail); len(r) > maxDetail {
		detail = string(r[:maxDetail]) + "..."
	}
	return "Gagal memproses permintaan AI: " + detail
}

// Status is reported through [Config.OnStatus] on every state change.
type Status struct {
	State   State
	Message string
	// Err is set when the transition was caused by a failure.
	Err error
}

// maxLogLines is the depth of the rolling activity log.
const maxLogLines = 5

// activityLog keeps the most recent activity lines for display.
type activityLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *activityLog) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
	if len(l.lines) > maxLogLines {
		l.lines = append([]string(nil), l.lines[len(l.lines)-maxLogLines:]...)
	}
}

func (l *activityLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Package server exposes the audio bridge to browsers over HTTP.
//
// GET /ws/live upgrades to the browser device protocol of package wsdevice.
// Each socket gets its own [bridge.Bridge]; the page's start, stop and
// interrupt buttons drive it, and status, volume and the activity log are
// pushed back. Closing the socket tears the bridge down.
//
// GET /api/sessions lists the connected browsers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livelab/internal/bridge"
	"github.com/MrWong99/livelab/internal/config"
	"github.com/MrWong99/livelab/internal/observe"
	"github.com/MrWong99/livelab/pkg/audio/wsdevice"
	"github.com/MrWong99/livelab/pkg/provider/live"
)

// Config holds the dependencies of a [Server].
type Config struct {
	// Provider opens live sessions. Required.
	Provider live.Provider

	// ProviderName labels metrics and logs.
	ProviderName string

	// Session returns the settings for the next live session. It is called
	// on every start so reloaded values apply without reconnecting the page.
	Session func() live.SessionConfig

	// Audio fixes wire rates, frame size, connect timeout and send queue.
	Audio config.AudioConfig

	// AllowedOrigins are extra host patterns accepted for the WebSocket
	// upgrade. The server's own host is always accepted.
	AllowedOrigins []string

	// MaxSessions caps concurrent sockets. Zero means unlimited.
	MaxSessions int

	// Metrics receives bridge instrumentation. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Server serves browser sessions. Create it with [New] and mount it with
// [Server.Register].
type Server struct {
	cfg      Config
	sessions *SessionManager
	handlers sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Session == nil {
		cfg.Session = func() live.SessionConfig { return live.SessionConfig{} }
	}
	return &Server{cfg: cfg, sessions: newSessionManager()}
}

// Sessions returns the tracker of connected browsers.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Register adds the server's routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/live", s.handleLive)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
}

// Shutdown closes every browser session and waits for their bridges to
// release all resources, or for ctx to expire. Hijacked WebSocket connections
// are not covered by [http.Server.Shutdown], so call both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.closeAll()
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.sessions.List())
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxSessions > 0 && s.sessions.Count() >= s.cfg.MaxSessions {
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	s.handlers.Add(1)
	defer s.handlers.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	log := observe.SessionLogger(ctx, id)
	m := s.cfg.Metrics

	dev := wsdevice.New(conn,
		wsdevice.WithLogger(log),
		wsdevice.WithDropHook(func() { m.RecordFrameDropped(ctx, "device_buffer") }),
	)

	vol := newVolumeSlot()
	var br *bridge.Bridge
	br = bridge.New(bridge.Config{
		Device:           dev,
		Provider:         s.cfg.Provider,
		ProviderName:     s.cfg.ProviderName,
		SessionSource:    s.cfg.Session,
		InputSampleRate:  s.cfg.Audio.InputSampleRate,
		OutputSampleRate: s.cfg.Audio.OutputSampleRate,
		FrameSize:        s.cfg.Audio.FrameSize,
		ConnectTimeout:   s.cfg.Audio.ConnectTimeout,
		SendQueue:        s.cfg.Audio.SendQueue,
		Metrics:          m,
		Logger:           log,
		OnStatus: func(st bridge.Status) {
			if err := dev.SendStatus(st.State.String(), st.Message, st.Err); err != nil {
				log.Debug("push status", "err", err)
				return
			}
			_ = dev.SendLogs(br.Logs())
		},
		OnVolume: vol.offer,
	})

	info := SessionInfo{ID: id, RemoteAddr: r.RemoteAddr, StartedAt: time.Now()}
	if !s.sessions.tryAdd(info, br, cancel, s.cfg.MaxSessions) {
		conn.Close(websocket.StatusTryAgainLater, "too many sessions")
		return
	}
	defer s.sessions.remove(id)

	log.Info("browser connected", "remote_addr", r.RemoteAddr)
	_ = dev.SendStatus(bridge.StateIdle.String(), bridge.StatusReady, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error {
		vol.pump(dev, log)
		return nil
	})
	g.Go(func() error {
		s.drive(gctx, br, dev, log)
		return nil
	})
	err = g.Wait()

	if err != nil {
		log.Warn("browser connection failed", "err", err)
	} else {
		log.Info("browser disconnected")
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// drive applies the page's commands to br until the command channel closes,
// then stops br. Start runs in the background so a stop pressed while
// connecting can abort it; a start that connects after a later stop is
// stopped again.
func (s *Server) drive(ctx context.Context, br *bridge.Bridge, dev *wsdevice.Device, log *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	var (
		starts sync.WaitGroup
		order  commandOrder
	)
	defer func() {
		cancel()
		br.Stop()
		starts.Wait()
		br.Stop()
	}()

	for {
		var cmd wsdevice.Command
		select {
		case c, ok := <-dev.Commands():
			if !ok {
				return
			}
			cmd = c
		case <-ctx.Done():
			return
		}

		switch cmd {
		case wsdevice.CommandStart:
			seq := order.issue(cmd)
			starts.Add(1)
			go func() {
				defer starts.Done()
				err := br.Start(ctx)
				switch {
				case err == nil:
					if order.stoppedSince(seq) {
						log.Debug("stop arrived before start completed")
						br.Stop()
						_ = dev.SendStatus(bridge.StateIdle.String(), bridge.StatusReady, nil)
					}
				case errors.Is(err, bridge.ErrAlreadyActive):
					log.Debug("start ignored; session already active")
				default:
					log.Debug("start failed", "err", err)
				}
			}()
		case wsdevice.CommandStop:
			order.issue(cmd)
			br.Stop()
			_ = dev.SendStatus(bridge.StateIdle.String(), bridge.StatusReady, nil)
		case wsdevice.CommandInterrupt:
			br.Interrupt()
		}
	}
}

// commandOrder sequences the page's start and stop commands.
type commandOrder struct {
	mu       sync.Mutex
	last     uint64
	lastStop uint64
}

// issue records cmd and returns its sequence number.
func (o *commandOrder) issue(cmd wsdevice.Command) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last++
	if cmd == wsdevice.CommandStop {
		o.lastStop = o.last
	}
	return o.last
}

// stoppedSince reports whether the most recent command is a stop issued
// after seq.
func (o *commandOrder) stoppedSince(seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastStop > seq && o.lastStop == o.last
}

package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livelab/internal/app"
	"github.com/MrWong99/livelab/internal/config"
	"github.com/MrWong99/livelab/internal/observe"
	"github.com/MrWong99/livelab/pkg/provider/live"
	livemock "github.com/MrWong99/livelab/pkg/provider/live/mock"
)

// testConfig returns a defaulted config with an API key set.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:   config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "test-key"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithProvider(&livemock.Provider{}), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a
}

func TestNew_WithMockProvider(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())

	got := a.Session()
	if got.Voice != config.DefaultVoice {
		t.Errorf("Voice = %q, want %q", got.Voice, config.DefaultVoice)
	}
	if got.Instructions != config.DefaultInstructions {
		t.Errorf("Instructions = %q, want default persona", got.Instructions)
	}
	if len(got.ResponseModalities) != 1 || got.ResponseModalities[0] != live.ModalityAudio {
		t.Errorf("ResponseModalities = %v, want [AUDIO]", got.ResponseModalities)
	}
	if n := len(a.Provider().Breakers()); n != 1 {
		t.Errorf("breakers = %d, want 1", n)
	}
}

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterLive("gemini-live", func(e config.ProviderEntry) (live.Provider, error) {
		gotEntry = e
		return &livemock.Provider{}, nil
	})

	cfg := testConfig()
	cfg.Provider.Model = "some-model"
	if _, err := app.New(cfg, app.WithRegistry(reg), app.WithMetrics(testMetrics(t))); err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if gotEntry.Model != "some-model" || gotEntry.APIKey != "test-key" {
		t.Errorf("factory entry = %+v", gotEntry)
	}
}

func TestNew_FailsOverToFallback(t *testing.T) {
	t.Parallel()

	primary := &livemock.Provider{ConnectErr: errors.New("primary down")}
	backup := &livemock.Provider{}
	reg := config.NewRegistry()
	reg.RegisterLive("gemini-live", func(config.ProviderEntry) (live.Provider, error) { return primary, nil })
	reg.RegisterLive("backup-live", func(e config.ProviderEntry) (live.Provider, error) {
		if e.APIKey != "test-key" {
			t.Errorf("fallback api key = %q, want the primary key", e.APIKey)
		}
		return backup, nil
	})

	cfg := testConfig()
	cfg.Provider.Fallbacks = []config.ProviderEntry{{Name: "backup-live", Model: "m2"}}
	config.ApplyDefaults(cfg)

	a, err := app.New(cfg, app.WithRegistry(reg), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	breakers := a.Provider().Breakers()
	if len(breakers) != 2 || breakers[1].Name() != "backup-live/m2" {
		t.Fatalf("breakers = %d, want primary and backup-live/m2", len(breakers))
	}

	h, err := a.Provider().Connect(context.Background(), a.Session())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	if primary.ConnectCount() != 1 || backup.ConnectCount() != 1 {
		t.Errorf("connects primary=%d backup=%d, want 1 and 1", primary.ConnectCount(), backup.ConnectCount())
	}
	if got := backup.ConnectCalls[0].Cfg.Voice; got != config.DefaultVoice {
		t.Errorf("fallback voice = %q, want %q", got, config.DefaultVoice)
	}
}

func TestNew_FallbacksNeedRegistry(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider.Fallbacks = []config.ProviderEntry{{Name: "gemini-live"}}
	if _, err := app.New(cfg, app.WithProvider(&livemock.Provider{}), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for fallbacks without a registry")
	}
}

func TestNew_UnregisteredProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider.Name = "nope"
	_, err := app.New(cfg, app.WithRegistry(config.NewRegistry()), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_NoProviderSource(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error without provider or registry")
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	metricsHit := false
	a := newApp(t, testConfig(), app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metricsHit = true
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/sessions", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
	if !metricsHit {
		t.Error("metrics handler not mounted")
	}
}

func TestReadyz_FailsWithoutAPIKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Provider.APIKey = ""
	a := newApp(t, cfg)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["provider"] == "ok" {
		t.Errorf("provider check = %q, want a failure", body.Checks["provider"])
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	old := testConfig()
	a := newApp(t, old)

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Session.Voice = "Puck"
	updated.Audio.FrameSize = 2048

	d := a.ApplyConfig(old, updated)
	if !d.LogLevelChanged || !d.VoiceChanged {
		t.Errorf("diff = %+v, want log level and voice changes", d)
	}
	if got := a.Session().Voice; got != "Puck" {
		t.Errorf("Session().Voice = %q, want Puck", got)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "audio" {
		t.Errorf("RestartRequired = %v, want [audio]", d.RestartRequired)
	}
}

func TestApplyConfig_LevelVar(t *testing.T) {
	t.Parallel()

	old := testConfig()
	lv := new(slog.LevelVar)
	a := newApp(t, old, app.WithLevelVar(lv))

	updated := testConfig()
	updated.Server.LogLevel = config.LogWarn
	a.ApplyConfig(old, updated)

	if got := lv.Level(); got != config.LogWarn.SlogLevel() {
		t.Errorf("level = %v, want warn", got)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not start listening")
	}

	resp, err := http.Get("http://" + a.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

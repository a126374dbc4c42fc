package bridge

import (
	"testing"
	"time"

	"github.com/MrWong99/livelab/pkg/audio"
	audiomock "github.com/MrWong99/livelab/pkg/audio/mock"
)

func chunk(samples, rate int) audio.Buffer {
	return audio.Buffer{Samples: make([]float32, samples), SampleRate: rate}
}

func TestScheduler_ContiguousChunks(t *testing.T) {
	t.Parallel()

	clock := &audiomock.Clock{}
	out := audiomock.NewOutput(clock, 24000)
	s := NewScheduler(out, nil)

	var starts []time.Duration
	for range 3 {
		sc, err := s.Schedule(chunk(9600, 24000))
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		starts = append(starts, sc.Start)
	}

	want := []time.Duration{0, 400 * time.Millisecond, 800 * time.Millisecond}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("chunk %d start = %v, want %v", i, starts[i], want[i])
		}
	}
	if got := s.Cursor(); got != 1200*time.Millisecond {
		t.Errorf("cursor = %v, want 1.2s", got)
	}
	if s.Len() != 3 {
		t.Errorf("queue len = %d, want 3", s.Len())
	}
}

func TestScheduler_LateChunkStartsAtNow(t *testing.T) {
	t.Parallel()

	clock := &audiomock.Clock{}
	out := audiomock.NewOutput(clock, 24000)
	s := NewScheduler(out, nil)

	if _, err := s.Schedule(chunk(2400, 24000)); err != nil {
		t.Fatal(err)
	}
	clock.Advance(250 * time.Millisecond)

	sc, err := s.Schedule(chunk(2400, 24000))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Start != 250*time.Millisecond {
		t.Errorf("start = %v, want 250ms", sc.Start)
	}
	if !sc.Underrun {
		t.Error("expected underrun for a chunk arriving after the cursor within one turn")
	}
	if got := s.Cursor(); got != 350*time.Millisecond {
		t.Errorf("cursor = %v, want 350ms", got)
	}
}

func TestScheduler_NoUnderrunAcrossTurns(t *testing.T) {
	t.Parallel()

	clock := &audiomock.Clock{}
	s := NewScheduler(audiomock.NewOutput(clock, 24000), nil)

	if _, err := s.Schedule(chunk(2400, 24000)); err != nil {
		t.Fatal(err)
	}
	s.EndTurn()
	clock.Advance(2 * time.Second)

	sc, err := s.Schedule(chunk(2400, 24000))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Underrun {
		t.Error("gap between turns reported as underrun")
	}
}

func TestScheduler_InterruptStopsAndResets(t *testing.T) {
	t.Parallel()

	clock := &audiomock.Clock{}
	out := audiomock.NewOutput(clock, 24000)
	s := NewScheduler(out, nil)

	for range 3 {
		if _, err := s.Schedule(chunk(9600, 24000)); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(500 * time.Millisecond)

	if n := s.Interrupt(); n != 3 {
		t.Errorf("Interrupt stopped %d sources, want 3", n)
	}
	if s.Len() != 0 {
		t.Errorf("queue len = %d after interrupt, want 0", s.Len())
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor = %v after interrupt, want 0", s.Cursor())
	}
	for _, c := range out.Calls() {
		if !out.Stopped(c.ID) {
			t.Errorf("source %d not stopped", c.ID)
		}
	}

	sc, err := s.Schedule(chunk(2400, 24000))
	if err != nil {
		t.Fatal(err)
	}
	if sc.Start != 500*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want clock now (500ms)", sc.Start)
	}
}

func TestScheduler_NaturalEndRemovesSource(t *testing.T) {
	t.Parallel()

	clock := &audiomock.Clock{}
	out := audiomock.NewOutput(clock, 24000)

	var ended []uint64
	var s *Scheduler
	s = NewScheduler(out, func(token uint64) {
		ended = append(ended, token)
		s.Ended(token)
	})

	first, _ := s.Schedule(chunk(9600, 24000))
	_, _ = s.Schedule(chunk(9600, 24000))

	clock.Advance(400 * time.Millisecond)
	if n := out.FinishDue(); n != 1 {
		t.Fatalf("FinishDue = %d, want 1", n)
	}
	if len(ended) != 1 || ended[0] != first.Token {
		t.Errorf("ended tokens = %v, want [%d]", ended, first.Token)
	}
	if s.Len() != 1 {
		t.Errorf("queue len = %d, want 1", s.Len())
	}

	s.Ended(9999)
	if s.Len() != 1 {
		t.Error("unknown token changed the queue")
	}
}

func TestScheduler_PlayError(t *testing.T) {
	t.Parallel()

	clock := &audiomock.Clock{}
	out := audiomock.NewOutput(clock, 24000)
	out.PlayErr = errTest
	s := NewScheduler(out, nil)

	if _, err := s.Schedule(chunk(100, 24000)); err == nil {
		t.Fatal("expected error from Play")
	}
	if s.Cursor() != 0 || s.Len() != 0 {
		t.Error("failed Play changed scheduler state")
	}
}

package bridge

import (
	"fmt"
	"time"

	"github.com/MrWong99/livelab/pkg/audio"
)

// Scheduler places decoded model audio on the output timeline so consecutive
// chunks play back to back.
//
// Each chunk starts at max(cursor, now) and moves the cursor to its end.
// Every scheduled source stays in the queue until it ends on its own or is
// stopped by [Scheduler.Interrupt] or [Scheduler.StopAll].
//
// A Scheduler is not safe for concurrent use; the bridge event loop owns it.
type Scheduler struct {
	out     audio.Output
	onEnded func(token uint64)

	cursor   time.Duration
	queue    map[uint64]audio.Source
	next     uint64
	turnOpen bool
}

// NewScheduler returns a Scheduler for out. onEnded is invoked, possibly from
// another goroutine, with the token of each source that finishes naturally;
// the owner must hand the token back through [Scheduler.Ended].
func NewScheduler(out audio.Output, onEnded func(token uint64)) *Scheduler {
	return &Scheduler{
		out:     out,
		onEnded: onEnded,
		queue:   make(map[uint64]audio.Source),
	}
}

// Scheduled describes one placed chunk.
type Scheduled struct {
	Token uint64
	Start time.Duration
	// Underrun is true when the previous chunk of the same turn had already
	// finished before this one arrived.
	Underrun bool
}

// Schedule plays buf at max(cursor, now) and advances the cursor by its
// duration.
func (s *Scheduler) Schedule(buf audio.Buffer) (Scheduled, error) {
	now := s.out.Now()
	start := max(s.cursor, now)
	underrun := s.turnOpen && s.cursor < now

	s.next++
	token := s.next
	src, err := s.out.Play(buf, start, func() {
		if s.onEnded != nil {
			s.onEnded(token)
		}
	})
	if err != nil {
		return Scheduled{}, fmt.Errorf("bridge: play chunk: %w", err)
	}
	s.queue[token] = src
	s.cursor = start + buf.Duration()
	s.turnOpen = true
	return Scheduled{Token: token, Start: start, Underrun: underrun}, nil
}

// Ended removes a naturally finished source. Unknown tokens are ignored.
func (s *Scheduler) Ended(token uint64) {
	delete(s.queue, token)
}

// Interrupt stops every queued source, empties the queue and resets the
// cursor so the next chunk starts at the current clock time. It returns the
// number of sources stopped.
func (s *Scheduler) Interrupt() int {
	n := s.StopAll()
	s.cursor = 0
	s.turnOpen = false
	return n
}

// StopAll stops and forgets every queued source.
func (s *Scheduler) StopAll() int {
	n := len(s.queue)
	for token, src := range s.queue {
		src.Stop()
		delete(s.queue, token)
	}
	return n
}

// EndTurn marks the model turn complete; the gap before the next turn is not
// an underrun.
func (s *Scheduler) EndTurn() { s.turnOpen = false }

// Cursor returns the end of the last scheduled chunk.
func (s *Scheduler) Cursor() time.Duration { return s.cursor }

// Len returns the number of queued sources.
func (s *Scheduler) Len() int { return len(s.queue) }

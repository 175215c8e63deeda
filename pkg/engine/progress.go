package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

const (
	// flushInterval debounces log and progress writes to the store; phase
	// boundaries flush immediately.
	flushInterval = 5 * time.Second

	truncationMarker = "\n--- log truncated ---\n"
)

// progressSink accumulates a task's log, phase, and percent, and writes
// them through to the store. The log buffer is capped: once the cap is
// hit, later lines are dropped and a single truncation marker is kept.
type progressSink struct {
	store    storage.Store
	taskID   int64
	capBytes int

	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
	phase     string
	percent   int
	lastFlush time.Time
	dirty     bool
}

func newProgressSink(store storage.Store, taskID int64, capBytes int) *progressSink {
	return &progressSink{store: store, taskID: taskID, capBytes: capBytes}
}

// Line appends one log line.
func (s *progressSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.truncated {
		return
	}
	if s.buf.Len()+len(line)+1 > s.capBytes {
		s.buf.WriteString(truncationMarker)
		s.truncated = true
	} else {
		s.buf.WriteString(line)
		s.buf.WriteByte('\n')
	}
	s.dirty = true
	s.maybeFlushLocked(false)
}

// SetPhase records a phase transition and flushes immediately so the
// API always shows the current phase.
func (s *progressSink) SetPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phase {
		return
	}
	s.phase = phase
	s.dirty = true
	s.maybeFlushLocked(true)
}

// SetPercent records plan progress; values never go backwards.
func (s *progressSink) SetPercent(percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if percent <= s.percent {
		return
	}
	s.percent = percent
	s.dirty = true
	s.maybeFlushLocked(false)
}

// Flush forces pending state to the store.
func (s *progressSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeFlushLocked(true)
}

// Snapshot returns the buffered log, phase, and percent.
func (s *progressSink) Snapshot() (string, string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String(), s.phase, s.percent
}

func (s *progressSink) maybeFlushLocked(force bool) {
	if !s.dirty {
		return
	}
	if !force && time.Since(s.lastFlush) < flushInterval {
		return
	}

	task, err := s.store.GetTask(s.taskID)
	if err != nil {
		log.WithTaskID(s.taskID).Error().Err(err).Msg("cannot load task for progress flush")
		return
	}
	if task.Status.Terminal() {
		// A cancel can land between handler checkpoints; terminal rows
		// stay immutable.
		return
	}
	task.Log = s.buf.String()
	task.CurrentPhase = s.phase
	task.Progress = s.percent
	if err := s.store.UpdateTask(task); err != nil {
		if !types.IsKind(err, types.ErrKindConflict) {
			log.WithTaskID(s.taskID).Error().Err(err).Msg("cannot flush task progress")
		}
		return
	}
	s.lastFlush = time.Now()
	s.dirty = false
}

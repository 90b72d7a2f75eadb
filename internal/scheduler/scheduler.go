package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lgulliver/mediavault/internal/common"
	"github.com/lgulliver/mediavault/pkg/config"
	"github.com/rs/zerolog/log"
)

// Scheduler is the bounded admission gate between the receive path and the
// chunk store. It caps in-flight writes globally and per session, queues a
// bounded amount of overflow work per session, and hands freed slots out
// round-robin across sessions with queued work.
type Scheduler struct {
	mu         sync.Mutex
	globalCap  int
	sessionCap int
	queueCap   int
	deadline   time.Duration

	inflight int
	sessions map[string]*sessionState
	ring     []string
	next     int
}

type sessionState struct {
	inflight  int
	queue     []*waiter
	cancelled bool
}

type waiter struct {
	uploadID string
	ready    chan struct{}
	granted  bool
	err      error
}

// New creates a scheduler from the configured caps
func New(cfg *config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		globalCap:  cfg.MaxParallelWrites,
		sessionCap: cfg.MaxParallelPerSession,
		queueCap:   cfg.QueueSize,
		deadline:   cfg.WriteTimeout,
		sessions:   make(map[string]*sessionState),
	}
}

// Admit blocks until a write slot is granted for the session, the queue
// overflows, the admission deadline passes, or the request is cancelled. On
// success the caller must invoke the returned release exactly once.
func (s *Scheduler) Admit(ctx context.Context, uploadID string) (func(), error) {
	s.mu.Lock()

	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, common.WrapError(common.KindCancelled, err, "admission cancelled")
	}

	st := s.sessions[uploadID]
	if st == nil {
		st = &sessionState{}
		s.sessions[uploadID] = st
	}
	if st.cancelled {
		s.mu.Unlock()
		return nil, common.Errorf(common.KindCancelled, "session %s was cancelled", uploadID)
	}

	if s.inflight < s.globalCap && st.inflight < s.sessionCap && len(st.queue) == 0 {
		s.inflight++
		st.inflight++
		s.mu.Unlock()
		return s.releaseFunc(uploadID), nil
	}

	if len(st.queue) >= s.queueCap {
		s.mu.Unlock()
		return nil, common.Errorf(common.KindOverloaded, "session %s queue is full", uploadID)
	}

	w := &waiter{uploadID: uploadID, ready: make(chan struct{})}
	st.queue = append(st.queue, w)
	s.ringAdd(uploadID)
	s.mu.Unlock()

	timer := time.NewTimer(s.deadline)
	defer timer.Stop()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return s.releaseFunc(uploadID), nil
	case <-ctx.Done():
		if s.abandon(w) {
			// The grant raced the cancellation; give the slot back
			s.releaseFunc(uploadID)()
		}
		return nil, common.WrapError(common.KindCancelled, ctx.Err(), "admission cancelled")
	case <-timer.C:
		if s.abandon(w) {
			s.releaseFunc(uploadID)()
		}
		return nil, common.Errorf(common.KindTimeout, "admission for session %s timed out", uploadID)
	}
}

// abandon removes a queued waiter. It reports true when the waiter was
// already granted, in which case the caller owns a slot to release.
func (s *Scheduler) abandon(w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.granted {
		return true
	}

	st := s.sessions[w.uploadID]
	if st == nil {
		return false
	}
	for i, queued := range st.queue {
		if queued == w {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			break
		}
	}
	if len(st.queue) == 0 {
		s.ringRemove(w.uploadID)
	}
	s.cleanupLocked(w.uploadID)
	return false
}

func (s *Scheduler) releaseFunc(uploadID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			s.inflight--
			if st := s.sessions[uploadID]; st != nil {
				st.inflight--
			}
			s.dispatchLocked()
			s.cleanupLocked(uploadID)
		})
	}
}

// dispatchLocked hands freed slots to queued waiters, rotating across
// sessions so no session starves behind a busier one
func (s *Scheduler) dispatchLocked() {
	for s.inflight < s.globalCap && len(s.ring) > 0 {
		granted := false
		for scanned := 0; scanned < len(s.ring); scanned++ {
			if s.next >= len(s.ring) {
				s.next = 0
			}
			uploadID := s.ring[s.next]
			st := s.sessions[uploadID]
			if st == nil || len(st.queue) == 0 {
				s.ringRemoveAt(s.next)
				continue
			}
			if st.inflight >= s.sessionCap {
				s.next++
				continue
			}

			w := st.queue[0]
			st.queue = st.queue[1:]
			w.granted = true
			s.inflight++
			st.inflight++
			close(w.ready)

			if len(st.queue) == 0 {
				s.ringRemoveAt(s.next)
			} else {
				s.next++
			}
			granted = true
			break
		}
		if !granted {
			return
		}
	}
}

// CancelSession fails every queued request for the session and blocks new
// admissions until its in-flight writes drain
func (s *Scheduler) CancelSession(uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.sessions[uploadID]
	if st == nil {
		return
	}

	st.cancelled = true
	for _, w := range st.queue {
		w.err = common.Errorf(common.KindCancelled, "session %s was cancelled", uploadID)
		close(w.ready)
	}
	if n := len(st.queue); n > 0 {
		log.Debug().Str("upload_id", uploadID).Int("cancelled", n).Msg("queued writes cancelled")
	}
	st.queue = nil
	s.ringRemove(uploadID)
	s.cleanupLocked(uploadID)
	s.dispatchLocked()
}

// cleanupLocked drops drained session state
func (s *Scheduler) cleanupLocked(uploadID string) {
	st := s.sessions[uploadID]
	if st != nil && st.inflight == 0 && len(st.queue) == 0 {
		delete(s.sessions, uploadID)
	}
}

// InFlight returns the number of admitted writes
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Scheduler) ringAdd(uploadID string) {
	for _, id := range s.ring {
		if id == uploadID {
			return
		}
	}
	s.ring = append(s.ring, uploadID)
}

func (s *Scheduler) ringRemove(uploadID string) {
	for i, id := range s.ring {
		if id == uploadID {
			s.ringRemoveAt(i)
			return
		}
	}
}

func (s *Scheduler) ringRemoveAt(i int) {
	s.ring = append(s.ring[:i], s.ring[i+1:]...)
	if s.next > i {
		s.next--
	}
	if s.next >= len(s.ring) {
		s.next = 0
	}
}

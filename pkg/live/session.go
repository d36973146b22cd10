package live

import (
	"sync"
	"time"

	"github.com/go-go-golems/ehosp/pkg/conversation"
)

// observationPrefix marks persona turns produced from a video frame.
const observationPrefix = "[Observation visuelle] "

// session is the per-connection state. All fields are guarded by mu; throttle
// timestamps move when an event is accepted, before its model call starts.
// Transcript turns run one at a time in arrival order; lastTurn is closed when the
// most recently queued turn finished.
type session struct {
	id string

	mu         sync.Mutex
	started    bool
	closed     bool
	email      string
	specialist string
	transcript []conversation.Message
	lastText   time.Time
	lastVideo  time.Time
	lastTurn   chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

type snapshot struct {
	email      string
	specialist string
	transcript []conversation.Message
}

func newSession(id, defaultSpecialist string) *session {
	return &session{id: id, specialist: defaultSpecialist, done: make(chan struct{})}
}

// start binds the account and resets the persona and transcript.
func (s *session) start(email, defaultSpecialist string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.email = email
	s.specialist = defaultSpecialist
	s.transcript = nil
}

func (s *session) snapshotLocked() snapshot {
	return snapshot{
		email:      s.email,
		specialist: s.specialist,
		transcript: append([]conversation.Message(nil), s.transcript...),
	}
}

func (s *session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// accept applies a cooldown keyed on *last. The bool is false when the event falls
// within the cooldown.
func accept(last *time.Time, now time.Time, cooldown time.Duration) bool {
	if !last.IsZero() && now.Sub(*last) < cooldown {
		return false
	}
	*last = now
	return true
}

// acceptTranscript only stamps the throttle. The turn reads the session state when
// its queue slot comes up.
func (s *session) acceptTranscript(now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return accept(&s.lastText, now, cooldown)
}

func (s *session) acceptFrame(now time.Time, cooldown time.Duration) (snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !accept(&s.lastVideo, now, cooldown) {
		return snapshot{}, false
	}
	return s.snapshotLocked(), true
}

func (s *session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// applyTurn appends an answered utterance and moves the session to the redirect target
// when the session is still held by the persona that answered. kept is false once
// closed; moved reports whether the session now belongs to to.
func (s *session) applyTurn(utterance, reply, from, to string) (kept, moved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	s.transcript = append(s.transcript,
		conversation.Message{Role: conversation.RolePatient, Content: utterance},
		conversation.Message{Role: conversation.RoleSpecialist, Content: reply},
	)
	if to != "" && s.specialist == from {
		s.specialist = to
		moved = true
	}
	return true, moved
}

func (s *session) appendSpecialist(content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.transcript = append(s.transcript, conversation.Message{Role: conversation.RoleSpecialist, Content: content})
	return true
}

// goAsync runs fn tracked by the session's WaitGroup unless the session is closed.
func (s *session) goAsync(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// queueTurn runs fn once every previously queued turn has finished.
func (s *session) queueTurn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	prev, done := s.lastTurn, make(chan struct{})
	s.lastTurn = done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		fn()
	}()
	return true
}

// settle waits d. It returns false when the session closed first.
func (s *session) settle(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !s.isClosed()
	case <-s.done:
		return false
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close marks the session closed and wakes pending settle waits. In-flight work is
// awaited with wait.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *session) wait() { s.wg.Wait() }

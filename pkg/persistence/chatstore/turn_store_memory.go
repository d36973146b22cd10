package chatstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryTurnStore keeps the most recent turns per session in memory.
// It mirrors the ordering semantics of the SQL store.
type InMemoryTurnStore struct {
	mu                 sync.Mutex
	maxTurnsPerSession int
	sessions           map[string][]Turn
	nextOrdinal        map[string]int
	now                func() time.Time
}

var _ TurnStore = &InMemoryTurnStore{}

func NewInMemoryTurnStore(maxTurnsPerSession int) *InMemoryTurnStore {
	if maxTurnsPerSession <= 0 {
		maxTurnsPerSession = 500
	}
	return &InMemoryTurnStore{
		maxTurnsPerSession: maxTurnsPerSession,
		sessions:           map[string][]Turn{},
		nextOrdinal:        map[string]int{},
		now:                time.Now,
	}
}

func (s *InMemoryTurnStore) Append(_ context.Context, turns ...Turn) error {
	if s == nil {
		return errors.New("in-memory turn store: nil store")
	}
	for _, t := range turns {
		if err := validateTurn(t); err != nil {
			return errors.Wrap(err, "in-memory turn store")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		t.Ordinal = s.nextOrdinal[t.SessionID]
		s.nextOrdinal[t.SessionID] = t.Ordinal + 1
		if t.CreatedAtMs <= 0 {
			t.CreatedAtMs = s.now().UnixMilli()
		}
		list := append(s.sessions[t.SessionID], t)
		if len(list) > s.maxTurnsPerSession {
			list = list[len(list)-s.maxTurnsPerSession:]
		}
		s.sessions[t.SessionID] = list
	}
	return nil
}

func (s *InMemoryTurnStore) List(_ context.Context, q TurnQuery) ([]Turn, error) {
	if s == nil {
		return nil, errors.New("in-memory turn store: nil store")
	}
	sessionID := strings.TrimSpace(q.SessionID)
	email := strings.TrimSpace(q.Email)
	if sessionID == "" && email == "" {
		return nil, errors.New("in-memory turn store: sessionID or email required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	out := []Turn{}
	for sid, list := range s.sessions {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for _, t := range list {
			if email != "" && t.Email != email {
				continue
			}
			if q.SinceMs > 0 && t.CreatedAtMs < q.SinceMs {
				continue
			}
			out = append(out, t)
		}
	}
	s.mu.Unlock()

	sortChronological(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pollster-audit/internal/models"
	"pollster-audit/pkg/logging"
	"pollster-audit/pkg/metrics"
)

// StoreConfig bounds the live sessions
type StoreConfig struct {
	IdleTTL     time.Duration
	MaxSessions int // 0 means unlimited
}

// ErrStoreFull is returned when MaxSessions sessions are live
var ErrStoreFull = errors.New("session limit reached")

type entry struct {
	session  *Session
	lastUsed time.Time
}

// Store keeps live sessions by ID and evicts idle ones
type Store struct {
	cfg     StoreConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewStore creates an empty store
func NewStore(cfg StoreConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{
		cfg:      cfg,
		logger:   logger,
		metrics:  metricsCollector,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Create registers a session built by build under a fresh UUID
func (s *Store) Create(build func(id string) *Session) (*Session, error) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return nil, ErrStoreFull
	}
	sess := build(id)
	s.sessions[id] = &entry{session: sess, lastUsed: s.now()}
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.ActiveSessions.Set(float64(count))
	return sess, nil
}

// Get returns a live session and marks it used
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "session", ID: id}
	}
	e.lastUsed = s.now()
	return e.session, nil
}

// Delete closes and removes a session
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return &models.NotFoundError{Resource: "session", ID: id}
	}
	e.session.Close()
	s.metrics.ActiveSessions.Set(float64(count))
	return nil
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep closes sessions idle for longer than the TTL. Sessions with a
// connected event stream are kept.
func (s *Store) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	var evicted []*Session
	for id, e := range s.sessions {
		if e.lastUsed.After(cutoff) || e.session.Events().Subscribers() > 0 {
			continue
		}
		evicted = append(evicted, e.session)
		delete(s.sessions, id)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	for _, sess := range evicted {
		sess.Close()
	}
	s.metrics.ActiveSessions.Set(float64(count))

	if len(evicted) > 0 {
		s.logger.Info(ctx, "[SESSION_SWEEP] Evicted idle sessions", logging.Fields{
			"evicted": len(evicted),
			"active":  count,
		})
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// CloseAll closes every session, for shutdown
func (s *Store) CloseAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range sessions {
		e.session.Close()
	}
	s.metrics.ActiveSessions.Set(0)
}

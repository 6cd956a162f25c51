package api

import (
	"sync"
	"time"

	"github.com/basekick-labs/arc-geo/internal/geo"
	"github.com/rs/zerolog"
)

// viewStore keeps one geo.Processor per map view so a newer request for a
// view supersedes the older one's pending pivot. Views unused for idleTTL
// are dropped on the next lookup.
type viewStore struct {
	idleTTL time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	views     map[string]*view
	lastSweep time.Time
}

type view struct {
	proc     *geo.Processor
	lastUsed time.Time
}

func newViewStore(idleTTL time.Duration, logger zerolog.Logger) *viewStore {
	return &viewStore{
		idleTTL: idleTTL,
		logger:  logger,
		now:     time.Now,
		views:   make(map[string]*view),
	}
}

// processor returns the view's processor, creating it on first use.
func (s *viewStore) processor(viewID string) *geo.Processor {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	v, ok := s.views[viewID]
	if !ok {
		v = &view{proc: geo.NewProcessor(s.logger.With().Str("view_id", viewID).Logger())}
		s.views[viewID] = v
	}
	v.lastUsed = now
	return v.proc
}

func (s *viewStore) sweepLocked(now time.Time) {
	if s.idleTTL <= 0 || now.Sub(s.lastSweep) < s.idleTTL/2 {
		return
	}
	s.lastSweep = now
	for id, v := range s.views {
		if now.Sub(v.lastUsed) > s.idleTTL {
			v.proc.Close()
			delete(s.views, id)
			s.logger.Debug().Str("view_id", id).Msg("Dropped idle view")
		}
	}
}

func (s *viewStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

// Close cancels every pending pivot.
func (s *viewStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.views {
		v.proc.Close()
		delete(s.views, id)
	}
	return nil
}

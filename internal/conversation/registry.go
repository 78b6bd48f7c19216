package conversation

import (
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Registry keeps live sessions in memory. Each lookup extends the session's
// lifetime; sessions idle past the timeout are evicted and onEvict is called.
type Registry struct {
	cache  *cache.Cache
	logger *zap.Logger
}

// NewRegistry creates a registry that expires sessions after timeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger, onEvict func(id string, s *Session)) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cache.New(timeout, max(timeout/10, time.Second))
	r := &Registry{cache: c, logger: logger.Named("registry")}
	c.OnEvicted(func(id string, v any) {
		r.logger.Debug("session evicted", zap.String("session_id", id))
		if onEvict != nil {
			onEvict(id, v.(*Session))
		}
	})
	return r
}

func (r *Registry) Put(s *Session) {
	r.cache.Set(s.ID(), s, cache.DefaultExpiration)
}

// Get returns the session and restarts its expiry.
func (r *Registry) Get(id string) (*Session, bool) {
	v, found := r.cache.Get(id)
	if !found {
		return nil, false
	}
	s := v.(*Session)
	r.cache.Set(id, s, cache.DefaultExpiration)
	return s, true
}

// Delete removes the session, triggering the eviction callback.
func (r *Registry) Delete(id string) {
	r.cache.Delete(id)
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

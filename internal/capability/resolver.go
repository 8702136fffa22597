// Package capability resolves the capabilities of console sessions from a
// static role policy.
package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/bakehouse/model"
)

// RolePolicy maps a set of roles to capabilities.
type RolePolicy interface {
	ResolveRoles(roles []string) model.CapabilitySet
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache keyed
// by user and role set.
type Resolver struct {
	policy RolePolicy
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

// NewResolver creates a Resolver over policy. A zero ttl disables caching.
func NewResolver(policy RolePolicy, ttl time.Duration) *Resolver {
	return &Resolver{
		policy: policy,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

func cacheKey(s *model.Session) string {
	roles := append([]string(nil), s.Roles...)
	sort.Strings(roles)
	return s.UserID + "|" + strings.Join(roles, ",")
}

// Resolve returns the capability set of s. A nil session has none.
func (r *Resolver) Resolve(s *model.Session) (model.CapabilitySet, error) {
	if s == nil {
		return model.CapabilitySet{}, nil
	}
	if r.ttl <= 0 {
		return r.policy.ResolveRoles(s.Roles), nil
	}

	key := cacheKey(s)
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.caps, nil
	}

	caps := r.policy.ResolveRoles(s.Roles)
	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return caps, nil
}

// Invalidate drops cached entries for userID.
func (r *Resolver) Invalidate(userID string) {
	prefix := userID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

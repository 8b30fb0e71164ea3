package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/envirodata/internal/environment"
)

var (
	// ErrNotFound is returned when no result is cached for a query.
	ErrNotFound = errors.New("no cached result for query")
)

// Query identifies an environment request.
type Query struct {
	Date      time.Time
	Longitude float64
	Latitude  float64
	Variables []string
}

// Key is the cache key of q. Dates are compared as instants and variable
// order does not matter.
func (q Query) Key() string {
	vars := append([]string(nil), q.Variables...)
	sort.Strings(vars)
	return fmt.Sprintf("%d|%.6f|%.6f|%s", q.Date.UnixNano(), q.Longitude, q.Latitude, strings.Join(vars, ","))
}

type entry struct {
	result   environment.Result
	storedAt time.Time
}

// MemoryStore is a concurrency-safe in-memory cache of environment results.
type MemoryStore struct {
	mu sync.RWMutex

	data  map[string]entry
	order []string // keys, oldest first

	// retention configuration
	maxEntries int           // max number of cached results
	maxAge     time.Duration // optional max age of a result

	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxEntries is <= 0, it is treated as unlimited.
func NewMemoryStore(maxEntries int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]entry),
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Save caches the result of q and enforces retention.
func (s *MemoryStore) Save(q Query, result environment.Result) {
	key := q.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		s.remove(key)
	}
	s.data[key] = entry{result: result, storedAt: s.now()}
	s.order = append(s.order, key)

	// Enforce retention by count.
	if s.maxEntries > 0 && len(s.order) > s.maxEntries {
		over := len(s.order) - s.maxEntries
		for _, k := range s.order[:over] {
			delete(s.data, k)
		}
		s.order = s.order[over:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.order); i++ {
			if !s.data[s.order[i]].storedAt.Before(cutoff) {
				break
			}
			delete(s.data, s.order[i])
		}
		s.order = s.order[i:]
	}
}

// Get returns the cached result of q.
func (s *MemoryStore) Get(q Query) (environment.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[q.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	if s.maxAge > 0 && e.storedAt.Before(s.now().Add(-s.maxAge)) {
		return nil, ErrNotFound
	}
	return e.result, nil
}

// Len returns the number of cached results, expired ones included until the
// next Save.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) remove(key string) {
	delete(s.data, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

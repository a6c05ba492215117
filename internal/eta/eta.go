package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is implemented by routing backends able to estimate travel time.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	return geo.HaversineKm(from, to) * 1000 / speedMps
}

// Estimator answers "how long until this driver reaches the pickup". The
// routing client and cache are optional.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Seconds(from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	var secs float64
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(from, to); err == nil {
			secs = v
		}
	}
	if secs <= 0 {
		secs = EstimateSeconds(from, to, e.SpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, secs)
	}
	return secs
}

// Local answers from the cache or the straight-line estimate and never
// calls Client, so it is safe on latency-sensitive paths.
func (e *Estimator) Local(from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}

// Routed reports whether Seconds may consult a routing backend.
func (e *Estimator) Routed() bool { return e.Client != nil }

// FormatArrival renders an arrival estimate the way driver apps send it, e.g. "4 mins".
func FormatArrival(secs float64) string {
	mins := int(math.Ceil(secs / 60))
	if mins <= 1 {
		return "1 min"
	}
	return fmt.Sprintf("%d mins", mins)
}

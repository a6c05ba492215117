package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// TripStore receives finished rides for record keeping. It is a write-only
// sink; live sessions are always served from SessionStore.
type TripStore interface {
	SaveRide(ctx context.Context, r models.RideSession) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.RideSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.RideSession)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.RideSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.RideID] = r
	return nil
}

func (m *MemoryStore) Get(id string) (models.RideSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

// Archiver hands terminal rides to a TripStore from a background goroutine
// so the dispatcher never waits on the database.
type Archiver struct {
	store   TripStore
	queue   chan models.RideSession
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
}

func NewArchiver(store TripStore, buffer int, logger *slog.Logger) *Archiver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Archiver{
		store:   store,
		queue:   make(chan models.RideSession, buffer),
		timeout: 3 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Archive enqueues r. It never blocks; when the queue is full the ride is
// dropped and counted.
func (a *Archiver) Archive(r models.RideSession) {
	select {
	case a.queue <- r:
	default:
		observability.ArchiveErrors.Inc()
		a.logger.Warn("archive queue full, dropping ride", "ride_id", r.RideID, "status", r.Status)
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for r := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.store.SaveRide(ctx, r); err != nil {
			observability.ArchiveErrors.Inc()
			a.logger.Error("archive ride failed", "ride_id", r.RideID, "error", err)
		}
		cancel()
	}
}

// Close drains queued rides and waits for the worker, or for ctx.
func (a *Archiver) Close(ctx context.Context) error {
	a.once.Do(func() { close(a.queue) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

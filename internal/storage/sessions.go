package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrIllegalTransition = errors.New("illegal ride transition")
)

// SessionStore owns every ride session for the life of the process.
// Sessions are never deleted.
type SessionStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideSession
	now   func() time.Time
	newID func() string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		rides: make(map[string]*models.RideSession),
		now:   time.Now,
		newID: newRideID,
	}
}

// newRideID returns a UUIDv7: millisecond timestamp prefix, random tail.
func newRideID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create opens a session in the searching state under a fresh id.
func (s *SessionStore) Create(req models.RideRequest) models.RideSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	for _, taken := s.rides[id]; taken; _, taken = s.rides[id] {
		id = s.newID()
	}
	r := &models.RideSession{
		RideID:          id,
		PassengerID:     req.PassengerID,
		PickupLocation:  req.PickupLocation,
		DropoffLocation: req.DropoffLocation,
		VehicleType:     req.VehicleType,
		Fare:            req.Fare,
		Status:          models.RideSearching,
		CreatedAt:       s.now(),
	}
	s.rides[id] = r
	return copyRide(r)
}

func (s *SessionStore) Get(rideID string) (models.RideSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[rideID]
	if !ok {
		return models.RideSession{}, false
	}
	return copyRide(r), true
}

// Transition moves a ride to status `to` if the lifecycle allows it from its
// current status, then lets apply fill in the fields that go with it. The
// session is left untouched on error.
func (s *SessionStore) Transition(rideID string, to models.RideStatus, apply func(r *models.RideSession, now time.Time)) (models.RideSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok {
		return models.RideSession{}, fmt.Errorf("transition %s to %s: %w", rideID, to, ErrRideNotFound)
	}
	if !models.CanTransition(r.Status, to) {
		return copyRide(r), fmt.Errorf("transition %s from %s to %s: %w", rideID, r.Status, to, ErrIllegalTransition)
	}
	now := s.now()
	next := copyRide(r)
	next.Status = to
	switch to {
	case models.RideAccepted:
		next.AcceptedAt = &now
	case models.RideInProgress:
		next.StartedAt = &now
	case models.RideCompleted:
		next.EndedAt = &now
	case models.RideCancelled:
		next.CancelledAt = &now
	}
	if apply != nil {
		apply(&next, now)
	}
	*r = next
	return copyRide(r), nil
}

// ActiveForDriver returns the non-terminal ride bound to driverID, if any.
func (s *SessionStore) ActiveForDriver(driverID string) (models.RideSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rides {
		if r.DriverID == driverID && !r.Status.Terminal() {
			return copyRide(r), true
		}
	}
	return models.RideSession{}, false
}

// Active lists non-terminal sessions, oldest first.
func (s *SessionStore) Active() []models.RideSession {
	s.mu.RLock()
	out := make([]models.RideSession, 0)
	for _, r := range s.rides {
		if !r.Status.Terminal() {
			out = append(out, copyRide(r))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyRide(r *models.RideSession) models.RideSession {
	c := *r
	for _, p := range []**time.Time{&c.AcceptedAt, &c.StartedAt, &c.EndedAt, &c.CancelledAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return c
}

// Package presence tracks which drivers and passengers are currently
// connected, through which connection, and where drivers were last seen.
//
// Lookups for absent ids never fail loudly: callers get ok=false and decide
// what to do.
package presence

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Registry struct {
	mu         sync.RWMutex
	drivers    map[string]*models.DriverPresence
	driverIDs  []string // insertion order, for stable matcher ties
	passengers map[string]*models.PassengerPresence
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		drivers:    make(map[string]*models.DriverPresence),
		passengers: make(map[string]*models.PassengerPresence),
		now:        time.Now,
	}
}

// RegisterDriver binds driverID to connID. A reconnect replaces the handle
// and keeps the previous location, status and vehicle details.
func (r *Registry) RegisterDriver(driverID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drivers[driverID]; ok {
		d.ConnectionID = connID
		d.Updated = r.now()
		return
	}
	r.drivers[driverID] = &models.DriverPresence{
		DriverID:     driverID,
		ConnectionID: connID,
		Status:       models.DriverAvailable,
		Updated:      r.now(),
	}
	r.driverIDs = append(r.driverIDs, driverID)
}

func (r *Registry) RegisterPassenger(passengerID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.passengers[passengerID]; ok {
		p.ConnectionID = connID
		p.Updated = r.now()
		return
	}
	r.passengers[passengerID] = &models.PassengerPresence{PassengerID: passengerID, ConnectionID: connID, Updated: r.now()}
}

// DriverUpdate carries the mergeable fields of a driver location update.
// Zero values leave the stored field untouched.
type DriverUpdate struct {
	Location    *models.Coord
	Status      models.DriverStatus
	VehicleType string
	Name        string
}

// UpdateDriverLocation merges u into the driver's entry and returns the
// result. ok is false, and nothing changes, if the driver is not registered.
func (r *Registry) UpdateDriverLocation(driverID string, u DriverUpdate) (models.DriverPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	if u.Location != nil {
		loc := *u.Location
		d.Location = &loc
	}
	if u.Status.Valid() {
		d.Status = u.Status
	}
	if u.VehicleType != "" {
		d.VehicleType = u.VehicleType
	}
	if u.Name != "" {
		d.DisplayName = u.Name
	}
	d.Updated = r.now()
	return copyDriver(d), true
}

// SetDriverStatus changes only the status. Updated still reflects the
// driver's last own report.
func (r *Registry) SetDriverStatus(driverID string, status models.DriverStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok || !status.Valid() {
		return false
	}
	d.Status = status
	return true
}

func (r *Registry) UpdatePassengerLocation(passengerID string, loc models.Coord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passengers[passengerID]
	if !ok {
		return false
	}
	p.Location = &loc
	p.Updated = r.now()
	return true
}

// ResolveConnection returns the live connection handle of id in the map for role.
func (r *Registry) ResolveConnection(id string, role models.Role) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch role {
	case models.RoleDriver:
		if d, ok := r.drivers[id]; ok {
			return d.ConnectionID, true
		}
	case models.RolePassenger:
		if p, ok := r.passengers[id]; ok {
			return p.ConnectionID, true
		}
	}
	return "", false
}

// ResolveAny looks id up among drivers first, then passengers.
func (r *Registry) ResolveAny(id string) (string, models.Role, bool) {
	if c, ok := r.ResolveConnection(id, models.RoleDriver); ok {
		return c, models.RoleDriver, true
	}
	if c, ok := r.ResolveConnection(id, models.RolePassenger); ok {
		return c, models.RolePassenger, true
	}
	return "", "", false
}

func (r *Registry) Driver(driverID string) (models.DriverPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return copyDriver(d), true
}

// Removed describes the entry dropped by RemoveByConnection.
type Removed struct {
	ID   string
	Role models.Role
}

// RemoveByConnection drops the single entry bound to connID. It scans both
// maps, O(n) per disconnect. An entry already rebound to a newer connection
// is left alone.
func (r *Registry) RemoveByConnection(connID string) (Removed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.driverIDs {
		if r.drivers[id].ConnectionID == connID {
			delete(r.drivers, id)
			r.driverIDs = append(r.driverIDs[:i], r.driverIDs[i+1:]...)
			return Removed{ID: id, Role: models.RoleDriver}, true
		}
	}
	for id, p := range r.passengers {
		if p.ConnectionID == connID {
			delete(r.passengers, id)
			return Removed{ID: id, Role: models.RolePassenger}, true
		}
	}
	return Removed{}, false
}

// Drivers returns a snapshot of all drivers in registration order.
func (r *Registry) Drivers() []models.DriverPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(r.driverIDs))
	for _, id := range r.driverIDs {
		out = append(out, copyDriver(r.drivers[id]))
	}
	return out
}

// Counts returns the number of connected drivers and passengers.
func (r *Registry) Counts() (drivers, passengers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers), len(r.passengers)
}

func copyDriver(d *models.DriverPresence) models.DriverPresence {
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	return c
}

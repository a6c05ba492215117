package matcher

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DriverSource supplies a registry snapshot in registration order.
type DriverSource interface {
	Drivers() []models.DriverPresence
}

type Service struct {
	Drivers DriverSource
	// RadiusKm applies when a caller passes maxDistanceKm <= 0.
	RadiusKm float64
}

// FindNearbyDrivers ranks available drivers around pickup, nearest first.
// vehicleType may be empty to match any vehicle. The result is never nil.
func (s *Service) FindNearbyDrivers(pickup models.Coord, vehicleType string, maxDistanceKm float64) []models.Candidate {
	start := time.Now()
	if maxDistanceKm <= 0 {
		maxDistanceKm = s.RadiusKm
	}
	out := geo.Nearby(s.Drivers.Drivers(), geo.Query{
		Pickup:        pickup,
		VehicleType:   vehicleType,
		MaxDistanceKm: maxDistanceKm,
	})
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchCandidates.Observe(float64(len(out)))
	return out
}

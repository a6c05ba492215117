package geo

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// DefaultMaxDistanceKm is the matching radius used when none is supplied.
const DefaultMaxDistanceKm = 5.0

// HaversineKm returns the great-circle distance in kilometers between two
// points given in degrees.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	sLat := math.Sin(dLat / 2)
	sLng := math.Sin(dLng / 2)
	h := sLat*sLat + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*sLng*sLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Query narrows a nearby search.
type Query struct {
	Pickup        models.Coord
	VehicleType   string
	MaxDistanceKm float64
}

// Nearby filters drivers to available ones with a known location inside the
// radius and returns them nearest first. drivers must be in registry
// insertion order; equal distances keep that order.
func Nearby(drivers []models.DriverPresence, q Query) []models.Candidate {
	maxKm := q.MaxDistanceKm
	if maxKm <= 0 {
		maxKm = DefaultMaxDistanceKm
	}
	out := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.Status != models.DriverAvailable || d.Location == nil {
			continue
		}
		if q.VehicleType != "" && d.VehicleType != q.VehicleType {
			continue
		}
		dist := HaversineKm(q.Pickup, *d.Location)
		if dist > maxKm {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:     d.DriverID,
			Name:         d.DisplayName,
			VehicleType:  d.VehicleType,
			Location:     *d.Location,
			Distance:     dist,
			ConnectionID: d.ConnectionID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

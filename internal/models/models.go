package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleDriver, RolePassenger:
		return Role(s), true
	}
	return "", false
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverOnRide    DriverStatus = "on_ride"
)

func (s DriverStatus) Valid() bool { return s == DriverAvailable || s == DriverOnRide }

// DriverPresence is the live view of a connected driver.
type DriverPresence struct {
	DriverID     string       `json:"driverId"`
	ConnectionID string       `json:"-"`
	Status       DriverStatus `json:"status"`
	Location     *Coord       `json:"location,omitempty"`
	VehicleType  string       `json:"vehicleType,omitempty"`
	DisplayName  string       `json:"name,omitempty"`
	Updated      time.Time    `json:"updated"`
}

type PassengerPresence struct {
	PassengerID  string    `json:"passengerId"`
	ConnectionID string    `json:"-"`
	Location     *Coord    `json:"location,omitempty"`
	Updated      time.Time `json:"updated"`
}

type RideStatus string

const (
	RideSearching  RideStatus = "searching"
	RideAccepted   RideStatus = "accepted"
	RideArrived    RideStatus = "arrived"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

// next is the only forward step allowed out of each non-terminal status.
var next = map[RideStatus]RideStatus{
	RideSearching:  RideAccepted,
	RideAccepted:   RideArrived,
	RideArrived:    RideInProgress,
	RideInProgress: RideCompleted,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to RideStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RideCancelled {
		return true
	}
	return next[from] == to
}

// RideRequest is what a passenger submits to open a ride session.
type RideRequest struct {
	PassengerID     string  `json:"passengerId"`
	PickupLocation  Coord   `json:"pickupLocation"`
	DropoffLocation Coord   `json:"dropoffLocation"`
	VehicleType     string  `json:"vehicleType"`
	Fare            float64 `json:"fare"`
}

type RideSession struct {
	RideID          string     `json:"rideId"`
	PassengerID     string     `json:"passengerId"`
	DriverID        string     `json:"driverId,omitempty"`
	DriverName      string     `json:"driverName,omitempty"`
	PickupLocation  Coord      `json:"pickupLocation"`
	DropoffLocation Coord      `json:"dropoffLocation"`
	VehicleType     string     `json:"vehicleType"`
	Fare            float64    `json:"fare"`
	Status          RideStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	StartedAt       *time.Time `json:"startTime,omitempty"`
	EndedAt         *time.Time `json:"endTime,omitempty"`
	CancelledAt     *time.Time `json:"cancelTime,omitempty"`
	CancelledBy     Role       `json:"cancelledBy,omitempty"`
}

// Candidate is a driver selected by the matcher, annotated with its
// distance to the pickup point in kilometers.
type Candidate struct {
	DriverID     string  `json:"driverId"`
	Name         string  `json:"name"`
	VehicleType  string  `json:"vehicleType"`
	Location     Coord   `json:"location"`
	Distance     float64 `json:"distance"`
	ConnectionID string  `json:"-"`
}

// DriverLocationEvent is the record streamed to the location topic.
type DriverLocationEvent struct {
	DriverID    string       `json:"driverId"`
	Loc         Coord        `json:"loc"`
	Status      DriverStatus `json:"status,omitempty"`
	VehicleType string       `json:"vehicleType,omitempty"`
	Online      bool         `json:"online"`
	At          time.Time    `json:"at"`
}

// RideEvent is the record streamed to the ride lifecycle topic.
type RideEvent struct {
	RideID      string     `json:"rideId"`
	PassengerID string     `json:"passengerId"`
	DriverID    string     `json:"driverId,omitempty"`
	Status      RideStatus `json:"status"`
	Fare        float64    `json:"fare"`
	CancelledBy Role       `json:"cancelledBy,omitempty"`
	At          time.Time  `json:"at"`
}

package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Frame is the envelope used on the wire in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EvUpdatePassengerLocation = "updatePassengerLocation"
	EvUpdateDriverLocation    = "updateDriverLocation"
	EvFindDrivers             = "findDrivers"
	EvRequestRide             = "requestRide"
	EvAcceptRide              = "acceptRide"
	EvArrivedAtPickup         = "arrivedAtPickup"
	EvStartRide               = "startRide"
	EvCompleteRide            = "completeRide"
	EvCancelRide              = "cancelRide"
	EvSendMessage             = "sendMessage"
	EvConnect                 = "connect"
	EvDisconnect              = "disconnect"
)

// Outbound event names.
const (
	OutNearbyDrivers        = "nearbyDrivers"
	OutRideRequest          = "rideRequest"
	OutRideStatusUpdate     = "rideStatusUpdate"
	OutDriverLocationUpdate = "driverLocationUpdate"
	OutNewMessage           = "newMessage"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one inbound message, already decoded and validated.
type Event interface {
	Name() string
}

// Connect and Disconnect are raised by the transport, never decoded from
// client frames.
type Connect struct {
	UserID string
	Role   models.Role
}

type Disconnect struct{}

type UpdatePassengerLocation struct {
	PassengerID    string        `json:"passengerId"`
	Location       *models.Coord `json:"location"`
	LookingForRide bool          `json:"lookingForRide"`
}

type UpdateDriverLocation struct {
	DriverID    string              `json:"driverId"`
	Location    *models.Coord       `json:"location"`
	Status      models.DriverStatus `json:"status,omitempty"`
	RideID      string              `json:"rideId,omitempty"`
	VehicleType string              `json:"vehicleType,omitempty"`
	DisplayName string              `json:"name,omitempty"`
}

type FindDrivers struct {
	PassengerID    string        `json:"passengerId"`
	PickupLocation *models.Coord `json:"pickupLocation"`
	VehicleType    string        `json:"vehicleType,omitempty"`
	MaxDistanceKm  float64       `json:"maxDistanceKm,omitempty"`
}

type RequestRide struct {
	PassengerID     string        `json:"passengerId"`
	PickupLocation  *models.Coord `json:"pickupLocation"`
	DropoffLocation *models.Coord `json:"dropoffLocation"`
	VehicleType     string        `json:"vehicleType"`
	Fare            float64       `json:"fare"`
}

type AcceptRide struct {
	RideID     string `json:"rideId"`
	DriverID   string `json:"driverId"`
	DriverName string `json:"driverName"`
	// EstimatedArrival is forwarded to the passenger as sent ("5 mins", 300, ...).
	EstimatedArrival json.RawMessage `json:"estimatedArrival,omitempty"`
}

type ArrivedAtPickup struct {
	RideID string `json:"rideId"`
}

type StartRide struct {
	RideID string `json:"rideId"`
}

type CompleteRide struct {
	RideID    string   `json:"rideId"`
	FinalFare *float64 `json:"finalFare,omitempty"`
}

type CancelRide struct {
	RideID      string `json:"rideId"`
	PassengerID string `json:"passengerId,omitempty"`
}

type SendMessage struct {
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Text       string          `json:"text"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
}

func (Connect) Name() string                 { return EvConnect }
func (Disconnect) Name() string              { return EvDisconnect }
func (UpdatePassengerLocation) Name() string { return EvUpdatePassengerLocation }
func (UpdateDriverLocation) Name() string    { return EvUpdateDriverLocation }
func (FindDrivers) Name() string             { return EvFindDrivers }
func (RequestRide) Name() string             { return EvRequestRide }
func (AcceptRide) Name() string              { return EvAcceptRide }
func (ArrivedAtPickup) Name() string         { return EvArrivedAtPickup }
func (StartRide) Name() string               { return EvStartRide }
func (CompleteRide) Name() string            { return EvCompleteRide }
func (CancelRide) Name() string              { return EvCancelRide }
func (SendMessage) Name() string             { return EvSendMessage }

// Decode turns a client frame into a typed Event. Unknown names wrap
// ErrUnknownEvent; bad JSON or missing required fields wrap ErrMalformedEvent.
func Decode(name string, data json.RawMessage) (Event, error) {
	var (
		ev       Event
		validate func() error
	)
	switch name {
	case EvUpdatePassengerLocation:
		e := &UpdatePassengerLocation{}
		ev, validate = e, func() error {
			return firstErr(required("passengerId", e.PassengerID), coord("location", e.Location))
		}
	case EvUpdateDriverLocation:
		e := &UpdateDriverLocation{}
		ev, validate = e, func() error {
			err := firstErr(required("driverId", e.DriverID), coord("location", e.Location))
			if err == nil && e.Status != "" && !e.Status.Valid() {
				err = fmt.Errorf("status %q not recognised", e.Status)
			}
			return err
		}
	case EvFindDrivers:
		e := &FindDrivers{}
		ev, validate = e, func() error {
			err := coord("pickupLocation", e.PickupLocation)
			if err == nil && e.MaxDistanceKm < 0 {
				err = errors.New("maxDistanceKm must not be negative")
			}
			return err
		}
	case EvRequestRide:
		e := &RequestRide{}
		ev, validate = e, func() error {
			err := firstErr(required("passengerId", e.PassengerID),
				coord("pickupLocation", e.PickupLocation), coord("dropoffLocation", e.DropoffLocation))
			if err == nil && e.Fare < 0 {
				err = errors.New("fare must not be negative")
			}
			return err
		}
	case EvAcceptRide:
		e := &AcceptRide{}
		ev, validate = e, func() error { return firstErr(required("rideId", e.RideID), required("driverId", e.DriverID)) }
	case EvArrivedAtPickup:
		e := &ArrivedAtPickup{}
		ev, validate = e, func() error { return required("rideId", e.RideID) }
	case EvStartRide:
		e := &StartRide{}
		ev, validate = e, func() error { return required("rideId", e.RideID) }
	case EvCompleteRide:
		e := &CompleteRide{}
		ev, validate = e, func() error {
			err := required("rideId", e.RideID)
			if err == nil && e.FinalFare != nil && *e.FinalFare < 0 {
				err = errors.New("finalFare must not be negative")
			}
			return err
		}
	case EvCancelRide:
		e := &CancelRide{}
		ev, validate = e, func() error { return required("rideId", e.RideID) }
	case EvSendMessage:
		e := &SendMessage{}
		ev, validate = e, func() error {
			return firstErr(required("senderId", e.SenderID), required("receiverId", e.ReceiverID))
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	return deref(ev), nil
}

// deref hands handlers values rather than pointers so they can switch on
// plain struct types.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *UpdatePassengerLocation:
		return *e
	case *UpdateDriverLocation:
		return *e
	case *FindDrivers:
		return *e
	case *RequestRide:
		return *e
	case *AcceptRide:
		return *e
	case *ArrivedAtPickup:
		return *e
	case *StartRide:
		return *e
	case *CompleteRide:
		return *e
	case *CancelRide:
		return *e
	case *SendMessage:
		return *e
	}
	return ev
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func coord(field string, c *models.Coord) error {
	if c == nil {
		return fmt.Errorf("%s is required", field)
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%s out of range: %v,%v", field, c.Lat, c.Lng)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Outbound payloads.

// RideOffer is sent to each candidate driver as rideRequest.
type RideOffer struct {
	RideID          string       `json:"rideId"`
	PassengerID     string       `json:"passengerId"`
	PickupLocation  models.Coord `json:"pickupLocation"`
	DropoffLocation models.Coord `json:"dropoffLocation"`
	VehicleType     string       `json:"vehicleType,omitempty"`
	Fare            float64      `json:"fare"`
	Distance        float64      `json:"distance"`
}

type DriverInfo struct {
	DriverID         string          `json:"driverId"`
	Name             string          `json:"name,omitempty"`
	VehicleType      string          `json:"vehicleType,omitempty"`
	Location         *models.Coord   `json:"location,omitempty"`
	EstimatedArrival json.RawMessage `json:"estimatedArrival,omitempty"`
}

// StatusUpdate is the rideStatusUpdate payload; only the fields relevant to
// Status are set.
type StatusUpdate struct {
	RideID          string            `json:"rideId"`
	Status          models.RideStatus `json:"status"`
	Message         string            `json:"message"`
	DriversNotified *int              `json:"driversNotified,omitempty"`
	DriverInfo      *DriverInfo       `json:"driverInfo,omitempty"`
	StartTime       *time.Time        `json:"startTime,omitempty"`
	EndTime         *time.Time        `json:"endTime,omitempty"`
	FinalFare       *float64          `json:"finalFare,omitempty"`
	CancelledBy     models.Role       `json:"cancelledBy,omitempty"`
	CancelTime      *time.Time        `json:"cancelTime,omitempty"`
}

type ChatMessage struct {
	SenderID  string          `json:"senderId"`
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp"`
}

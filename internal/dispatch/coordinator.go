// Package dispatch routes inbound connection events to presence, matching
// and ride-session state, and emits the resulting events back to the
// affected connections.
//
// All state changes happen on one goroutine (Coordinator.Run), one event at
// a time. Handlers never return errors to clients: anything that cannot be
// applied is dropped, logged and counted under a reason in
// observability.Drops.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

// Emitter delivers an outbound event to one connection.
type Emitter interface {
	Emit(connID, event string, payload any) error
}

// Archive receives rides once they reach a terminal status.
type Archive interface {
	Archive(r models.RideSession)
}

var ErrStopped = errors.New("dispatcher stopped")

type Options struct {
	Publisher ingest.Publisher
	Archive   Archive
	// ETA fills estimatedArrival when an accepting driver sends none.
	ETA       *eta.Estimator
	InboxSize int
	Logger    *slog.Logger
}

type inbound struct {
	connID string
	ev     Event
}

type Coordinator struct {
	presence *presence.Registry
	rides    *storage.SessionStore
	matcher  *matcher.Service
	emitter  Emitter

	publisher ingest.Publisher
	archive   Archive
	eta       *eta.Estimator
	logger    *slog.Logger

	inbox   chan inbound
	stopped chan struct{}
}

func New(reg *presence.Registry, rides *storage.SessionStore, m *matcher.Service, emitter Emitter, opts Options) *Coordinator {
	if opts.Publisher == nil {
		opts.Publisher = ingest.Nop{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		presence:  reg,
		rides:     rides,
		matcher:   m,
		emitter:   emitter,
		publisher: opts.Publisher,
		archive:   opts.Archive,
		eta:       opts.ETA,
		logger:    opts.Logger,
		inbox:     make(chan inbound, opts.InboxSize),
		stopped:   make(chan struct{}),
	}
}

// Run processes submitted events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("dispatcher stopped")
			return
		case in := <-c.inbox:
			c.Handle(in.connID, in.ev)
		}
	}
}

// Submit queues ev from connID for Run. It blocks while the inbox is full,
// which pushes back on the submitting connection's read loop.
func (c *Coordinator) Submit(ctx context.Context, connID string, ev Event) error {
	select {
	case c.inbox <- inbound{connID: connID, ev: ev}:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle applies one event synchronously. Only Run (or a test standing in
// for it) may call Handle.
func (c *Coordinator) Handle(connID string, ev Event) {
	observability.EventsTotal.WithLabelValues(ev.Name()).Inc()
	switch e := ev.(type) {
	case Connect:
		c.onConnect(connID, e)
	case Disconnect:
		c.onDisconnect(connID)
	case UpdatePassengerLocation:
		c.onPassengerLocation(connID, e)
	case UpdateDriverLocation:
		c.onDriverLocation(e)
	case FindDrivers:
		c.onFindDrivers(connID, e)
	case RequestRide:
		c.onRequestRide(e)
	case AcceptRide:
		c.onAcceptRide(e)
	case ArrivedAtPickup:
		c.onArrived(e)
	case StartRide:
		c.onStartRide(e)
	case CompleteRide:
		c.onCompleteRide(e)
	case CancelRide:
		c.onCancelRide(e)
	case SendMessage:
		c.relayMessage(e)
	case arrivalRefined:
		c.onArrivalRefined(e)
	default:
		c.drop(observability.DropUnknownEvent, "event", ev.Name())
	}
}

func (c *Coordinator) onConnect(connID string, e Connect) {
	switch e.Role {
	case models.RoleDriver:
		c.presence.RegisterDriver(e.UserID, connID)
	case models.RolePassenger:
		c.presence.RegisterPassenger(e.UserID, connID)
	default:
		c.drop(observability.DropMalformedEvent, "event", EvConnect, "role", e.Role)
		return
	}
	c.logger.Info("user connected", "user_id", e.UserID, "role", e.Role, "conn_id", connID)
	c.refreshPresenceGauges()
}

func (c *Coordinator) onDisconnect(connID string) {
	rm, ok := c.presence.RemoveByConnection(connID)
	if !ok {
		c.logger.Debug("disconnect without presence", "conn_id", connID)
		return
	}
	if rm.Role == models.RoleDriver {
		c.publisher.PublishLocation(models.DriverLocationEvent{DriverID: rm.ID, Online: false, At: time.Now().UTC()})
	}
	c.logger.Info("user disconnected", "user_id", rm.ID, "role", rm.Role, "conn_id", connID)
	c.refreshPresenceGauges()
}

func (c *Coordinator) onPassengerLocation(connID string, e UpdatePassengerLocation) {
	if !c.presence.UpdatePassengerLocation(e.PassengerID, *e.Location) {
		c.drop(observability.DropPassengerNotFound, "event", EvUpdatePassengerLocation, "passenger_id", e.PassengerID)
		return
	}
	if !e.LookingForRide {
		return
	}
	nearby := c.matcher.FindNearbyDrivers(*e.Location, "", 0)
	c.emit(connID, OutNearbyDrivers, nearby)
}

func (c *Coordinator) onDriverLocation(e UpdateDriverLocation) {
	d, ok := c.presence.UpdateDriverLocation(e.DriverID, presence.DriverUpdate{
		Location:    e.Location,
		Status:      e.Status,
		VehicleType: e.VehicleType,
		Name:        e.DisplayName,
	})
	if !ok {
		c.drop(observability.DropDriverNotFound, "event", EvUpdateDriverLocation, "driver_id", e.DriverID)
		return
	}
	c.publisher.PublishLocation(models.DriverLocationEvent{
		DriverID:    d.DriverID,
		Loc:         *e.Location,
		Status:      d.Status,
		VehicleType: d.VehicleType,
		Online:      true,
		At:          d.Updated.UTC(),
	})
	if d.Status != models.DriverOnRide {
		return
	}

	ride, ok := c.activeRideFor(d.DriverID, e.RideID)
	if !ok {
		c.drop(observability.DropNoActiveRide, "event", EvUpdateDriverLocation, "driver_id", d.DriverID, "ride_id", e.RideID)
		return
	}
	c.toPassenger(ride.PassengerID, OutDriverLocationUpdate, *e.Location)
}

// activeRideFor prefers the ride the driver named, falling back to whatever
// non-terminal ride is bound to them.
func (c *Coordinator) activeRideFor(driverID, rideID string) (models.RideSession, bool) {
	if rideID != "" {
		r, ok := c.rides.Get(rideID)
		if ok && r.DriverID == driverID && !r.Status.Terminal() {
			return r, true
		}
	}
	return c.rides.ActiveForDriver(driverID)
}

func (c *Coordinator) onFindDrivers(connID string, e FindDrivers) {
	nearby := c.matcher.FindNearbyDrivers(*e.PickupLocation, e.VehicleType, e.MaxDistanceKm)
	c.emit(connID, OutNearbyDrivers, nearby)
}

func (c *Coordinator) onRequestRide(e RequestRide) {
	passengerConn, ok := c.presence.ResolveConnection(e.PassengerID, models.RolePassenger)
	if !ok {
		c.drop(observability.DropPassengerNotFound, "event", EvRequestRide, "passenger_id", e.PassengerID)
		return
	}
	ride := c.rides.Create(models.RideRequest{
		PassengerID:     e.PassengerID,
		PickupLocation:  *e.PickupLocation,
		DropoffLocation: *e.DropoffLocation,
		VehicleType:     e.VehicleType,
		Fare:            e.Fare,
	})
	c.recordTransition(ride)

	candidates := c.matcher.FindNearbyDrivers(ride.PickupLocation, ride.VehicleType, 0)
	notified := 0
	for _, cand := range candidates {
		offer := RideOffer{
			RideID:          ride.RideID,
			PassengerID:     ride.PassengerID,
			PickupLocation:  ride.PickupLocation,
			DropoffLocation: ride.DropoffLocation,
			VehicleType:     ride.VehicleType,
			Fare:            ride.Fare,
			Distance:        cand.Distance,
		}
		if c.emit(cand.ConnectionID, OutRideRequest, offer) {
			notified++
		}
	}
	c.logger.Info("ride requested", "ride_id", ride.RideID, "passenger_id", ride.PassengerID, "candidates", len(candidates), "notified", notified)

	c.emit(passengerConn, OutRideStatusUpdate, StatusUpdate{
		RideID:          ride.RideID,
		Status:          models.RideSearching,
		Message:         "Searching for nearby drivers",
		DriversNotified: &notified,
	})
}

func (c *Coordinator) onAcceptRide(e AcceptRide) {
	if active, ok := c.rides.ActiveForDriver(e.DriverID); ok && active.RideID != e.RideID {
		c.drop(observability.DropDriverBusy, "event", EvAcceptRide, "ride_id", e.RideID, "driver_id", e.DriverID, "active_ride_id", active.RideID)
		return
	}
	ride, err := c.rides.Transition(e.RideID, models.RideAccepted, func(r *models.RideSession, _ time.Time) {
		r.DriverID = e.DriverID
		r.DriverName = e.DriverName
	})
	if err != nil {
		c.dropTransition(EvAcceptRide, e.RideID, err)
		return
	}
	c.recordTransition(ride)

	if !c.presence.SetDriverStatus(ride.DriverID, models.DriverOnRide) {
		c.logger.Debug("accepting driver not connected", "driver_id", ride.DriverID)
	}
	info := c.driverInfo(ride, e.EstimatedArrival)
	if len(info.EstimatedArrival) == 0 && c.eta != nil && info.Location != nil {
		arrival := eta.FormatArrival(c.eta.Local(*info.Location, ride.PickupLocation))
		info.EstimatedArrival, _ = json.Marshal(arrival)
		if c.eta.Routed() {
			c.refineArrival(ride.RideID, ride.DriverID, *info.Location, ride.PickupLocation, arrival)
		}
	}
	c.toPassenger(ride.PassengerID, OutRideStatusUpdate, StatusUpdate{
		RideID:     ride.RideID,
		Status:     ride.Status,
		Message:    "Driver is on the way",
		DriverInfo: info,
	})
}

// arrivalRefined carries a routed arrival estimate computed off the
// dispatcher goroutine back into it.
type arrivalRefined struct {
	RideID   string
	DriverID string
	Arrival  string
}

func (arrivalRefined) Name() string { return "arrivalRefined" }

// refineArrival asks the routing backend for a better estimate in the
// background and resubmits it; Handle never waits on the network.
func (c *Coordinator) refineArrival(rideID, driverID string, from, to models.Coord, initial string) {
	go func() {
		arrival := eta.FormatArrival(c.eta.Seconds(from, to))
		if arrival == initial {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Submit(ctx, "", arrivalRefined{RideID: rideID, DriverID: driverID, Arrival: arrival}); err != nil {
			c.logger.Debug("arrival estimate discarded", "ride_id", rideID, "error", err)
		}
	}()
}

func (c *Coordinator) onArrivalRefined(e arrivalRefined) {
	ride, ok := c.rides.Get(e.RideID)
	if !ok || ride.Status != models.RideAccepted || ride.DriverID != e.DriverID {
		c.logger.Debug("stale arrival estimate", "ride_id", e.RideID)
		return
	}
	est, _ := json.Marshal(e.Arrival)
	c.toPassenger(ride.PassengerID, OutRideStatusUpdate, StatusUpdate{
		RideID:     ride.RideID,
		Status:     ride.Status,
		Message:    "Driver is on the way",
		DriverInfo: c.driverInfo(ride, est),
	})
}

// driverInfo describes the ride's driver to the passenger, filling gaps from presence.
func (c *Coordinator) driverInfo(ride models.RideSession, arrival json.RawMessage) *DriverInfo {
	info := &DriverInfo{DriverID: ride.DriverID, Name: ride.DriverName, EstimatedArrival: arrival}
	if d, ok := c.presence.Driver(ride.DriverID); ok {
		info.VehicleType = d.VehicleType
		info.Location = d.Location
		if info.Name == "" {
			info.Name = d.DisplayName
		}
	}
	return info
}

func (c *Coordinator) onArrived(e ArrivedAtPickup) {
	ride, err := c.rides.Transition(e.RideID, models.RideArrived, nil)
	if err != nil {
		c.dropTransition(EvArrivedAtPickup, e.RideID, err)
		return
	}
	c.recordTransition(ride)
	c.toPassenger(ride.PassengerID, OutRideStatusUpdate, StatusUpdate{
		RideID:  ride.RideID,
		Status:  ride.Status,
		Message: "Driver has arrived at pickup location",
	})
}

func (c *Coordinator) onStartRide(e StartRide) {
	ride, err := c.rides.Transition(e.RideID, models.RideInProgress, nil)
	if err != nil {
		c.dropTransition(EvStartRide, e.RideID, err)
		return
	}
	c.recordTransition(ride)
	c.toPassenger(ride.PassengerID, OutRideStatusUpdate, StatusUpdate{
		RideID:    ride.RideID,
		Status:    ride.Status,
		Message:   "Your ride has started",
		StartTime: ride.StartedAt,
	})
}

func (c *Coordinator) onCompleteRide(e CompleteRide) {
	ride, err := c.rides.Transition(e.RideID, models.RideCompleted, func(r *models.RideSession, _ time.Time) {
		if e.FinalFare != nil {
			r.Fare = *e.FinalFare
		}
	})
	if err != nil {
		c.dropTransition(EvCompleteRide, e.RideID, err)
		return
	}
	c.recordTransition(ride)
	c.releaseDriver(ride.DriverID)
	fare := ride.Fare
	c.toPassenger(ride.PassengerID, OutRideStatusUpdate, StatusUpdate{
		RideID:    ride.RideID,
		Status:    ride.Status,
		Message:   "Ride completed",
		EndTime:   ride.EndedAt,
		FinalFare: &fare,
	})
}

func (c *Coordinator) onCancelRide(e CancelRide) {
	by := models.RoleDriver
	if e.PassengerID != "" {
		by = models.RolePassenger
	}
	ride, err := c.rides.Transition(e.RideID, models.RideCancelled, func(r *models.RideSession, _ time.Time) {
		r.CancelledBy = by
	})
	if err != nil {
		c.dropTransition(EvCancelRide, e.RideID, err)
		return
	}
	c.recordTransition(ride)
	update := StatusUpdate{
		RideID:      ride.RideID,
		Status:      ride.Status,
		Message:     "Ride cancelled by " + string(by),
		CancelledBy: by,
		CancelTime:  ride.CancelledAt,
	}
	c.toPassenger(ride.PassengerID, OutRideStatusUpdate, update)
	if ride.DriverID != "" {
		c.releaseDriver(ride.DriverID)
		if conn, ok := c.presence.ResolveConnection(ride.DriverID, models.RoleDriver); ok {
			c.emit(conn, OutRideStatusUpdate, update)
		} else {
			c.drop(observability.DropRecipientOffline, "event", OutRideStatusUpdate, "driver_id", ride.DriverID)
		}
	}
}

func (c *Coordinator) releaseDriver(driverID string) {
	if driverID == "" {
		return
	}
	if !c.presence.SetDriverStatus(driverID, models.DriverAvailable) {
		c.logger.Debug("released driver not connected", "driver_id", driverID)
	}
}

// recordTransition fans a freshly applied status out to metrics, the event
// stream and, for terminal rides, the archive.
func (c *Coordinator) recordTransition(r models.RideSession) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	c.publisher.PublishRide(models.RideEvent{
		RideID:      r.RideID,
		PassengerID: r.PassengerID,
		DriverID:    r.DriverID,
		Status:      r.Status,
		Fare:        r.Fare,
		CancelledBy: r.CancelledBy,
		At:          time.Now().UTC(),
	})
	if r.Status.Terminal() && c.archive != nil {
		c.archive.Archive(r)
	}
	c.logger.Info("ride transition", "ride_id", r.RideID, "status", r.Status, "driver_id", r.DriverID)
}

func (c *Coordinator) toPassenger(passengerID, event string, payload any) {
	conn, ok := c.presence.ResolveConnection(passengerID, models.RolePassenger)
	if !ok {
		c.drop(observability.DropRecipientOffline, "event", event, "passenger_id", passengerID)
		return
	}
	c.emit(conn, event, payload)
}

func (c *Coordinator) emit(connID, event string, payload any) bool {
	err := c.emitter.Emit(connID, event, payload)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSendBufferFull):
		c.drop(observability.DropSendBufferFull, "event", event, "conn_id", connID)
	case errors.Is(err, ErrNoSession):
		c.drop(observability.DropConnectionGone, "event", event, "conn_id", connID)
	default:
		c.logger.Error("emit failed", "event", event, "conn_id", connID, "error", err)
	}
	return false
}

func (c *Coordinator) dropTransition(event, rideID string, err error) {
	reason := observability.DropIllegalTransition
	if errors.Is(err, storage.ErrRideNotFound) {
		reason = observability.DropRideNotFound
	}
	c.drop(reason, "event", event, "ride_id", rideID, "error", err)
}

func (c *Coordinator) drop(reason string, attrs ...any) {
	observability.Drops.WithLabelValues(reason).Inc()
	level := slog.LevelWarn
	if reason == observability.DropRecipientOffline || reason == observability.DropNoActiveRide {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "event dropped", append([]any{"reason", reason}, attrs...)...)
}

func (c *Coordinator) refreshPresenceGauges() {
	drivers, passengers := c.presence.Counts()
	observability.DriversOnline.Set(float64(drivers))
	observability.PassengersOnline.Set(float64(passengers))
}

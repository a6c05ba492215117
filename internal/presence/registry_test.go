package presence

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestRegisterDriverReplacesOnReconnect(t *testing.T) {
	r := NewRegistry()
	r.RegisterDriver("D1", "c1")
	r.UpdateDriverLocation("D1", DriverUpdate{Location: &models.Coord{Lat: 1, Lng: 2}, VehicleType: "Car"})
	r.RegisterDriver("D1", "c2")

	if n, _ := r.Counts(); n != 1 {
		t.Fatalf("expected 1 driver, got %d", n)
	}
	if len(r.Drivers()) != 1 {
		t.Fatalf("expected single ordered entry, got %d", len(r.Drivers()))
	}
	conn, ok := r.ResolveConnection("D1", models.RoleDriver)
	if !ok || conn != "c2" {
		t.Fatalf("expected c2, got %q ok=%v", conn, ok)
	}
	d, _ := r.Driver("D1")
	if d.Location == nil || d.VehicleType != "Car" {
		t.Fatalf("reconnect lost metadata: %+v", d)
	}

	// the stale connection going away must not evict the live one
	if _, ok := r.RemoveByConnection("c1"); ok {
		t.Fatal("stale connection removed an entry")
	}
	if _, ok := r.ResolveConnection("D1", models.RoleDriver); !ok {
		t.Fatal("driver evicted by stale disconnect")
	}
}

func TestUpdateDriverLocationUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.UpdateDriverLocation("ghost", DriverUpdate{Status: models.DriverOnRide}); ok {
		t.Fatal("expected ok=false for unregistered driver")
	}
	if n, _ := r.Counts(); n != 0 {
		t.Fatalf("update created an entry")
	}
}

func TestUpdateDriverLocationMerges(t *testing.T) {
	r := NewRegistry()
	r.RegisterDriver("D1", "c1")
	r.UpdateDriverLocation("D1", DriverUpdate{Location: &models.Coord{Lat: 1, Lng: 1}, Name: "Ram"})
	d, ok := r.UpdateDriverLocation("D1", DriverUpdate{Status: models.DriverOnRide})
	if !ok {
		t.Fatal("expected registered driver")
	}
	if d.Status != models.DriverOnRide || d.DisplayName != "Ram" || d.Location == nil || d.Location.Lat != 1 {
		t.Fatalf("fields not merged: %+v", d)
	}
	d, _ = r.UpdateDriverLocation("D1", DriverUpdate{Status: "bogus"})
	if d.Status != models.DriverOnRide {
		t.Fatalf("invalid status applied: %s", d.Status)
	}
}

func TestRemoveByConnectionRemovesExactlyOne(t *testing.T) {
	r := NewRegistry()
	r.RegisterDriver("D1", "c1")
	r.RegisterDriver("D2", "c2")
	r.RegisterDriver("D3", "c3")
	r.RegisterPassenger("P1", "c4")

	rm, ok := r.RemoveByConnection("c2")
	if !ok || rm.ID != "D2" || rm.Role != models.RoleDriver {
		t.Fatalf("unexpected removal %+v ok=%v", rm, ok)
	}
	drivers := r.Drivers()
	if len(drivers) != 2 || drivers[0].DriverID != "D1" || drivers[1].DriverID != "D3" {
		t.Fatalf("unexpected remaining drivers: %+v", drivers)
	}
	rm, ok = r.RemoveByConnection("c4")
	if !ok || rm.Role != models.RolePassenger {
		t.Fatalf("passenger not removed: %+v", rm)
	}
	if _, ok := r.RemoveByConnection("nope"); ok {
		t.Fatal("unknown connection removed something")
	}
}

func TestResolveAnyPrefersDrivers(t *testing.T) {
	r := NewRegistry()
	r.RegisterPassenger("U1", "cp")
	r.RegisterDriver("U1", "cd")
	conn, role, ok := r.ResolveAny("U1")
	if !ok || conn != "cd" || role != models.RoleDriver {
		t.Fatalf("expected driver connection, got %q %s %v", conn, role, ok)
	}
	if _, _, ok := r.ResolveAny("U2"); ok {
		t.Fatal("expected not found")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := NewRegistry()
	r.RegisterDriver("D1", "c1")
	r.UpdateDriverLocation("D1", DriverUpdate{Location: &models.Coord{Lat: 1, Lng: 1}})
	d := r.Drivers()[0]
	d.Location.Lat = 50
	if got, _ := r.Driver("D1"); got.Location.Lat != 1 {
		t.Fatal("snapshot aliases registry state")
	}
}

func TestSetDriverStatusKeepsLastReport(t *testing.T) {
	r := NewRegistry()
	tick := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return tick }
	r.RegisterDriver("D1", "c1")
	r.UpdateDriverLocation("D1", DriverUpdate{Location: &models.Coord{Lat: 1, Lng: 2}})

	tick = tick.Add(time.Minute)
	if !r.SetDriverStatus("D1", models.DriverOnRide) {
		t.Fatal("status not set")
	}
	d, _ := r.Driver("D1")
	if d.Status != models.DriverOnRide {
		t.Fatalf("expected on_ride, got %s", d.Status)
	}
	if !d.Updated.Equal(tick.Add(-time.Minute)) {
		t.Fatalf("status change moved Updated to %v", d.Updated)
	}
	if r.SetDriverStatus("D1", "asleep") || r.SetDriverStatus("ghost", models.DriverAvailable) {
		t.Fatal("invalid status or unknown driver accepted")
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeMirror implements LocationMirror for tests
type fakeMirror struct {
	failGeo    int // number of times to fail GeoAdd before succeeding
	failH      int // number of times to fail HSet before succeeding
	failRemove int
	geoCalls   int
	hCalls     int
	rmCalls    int
	lastGeo    *redis.GeoLocation
	lastMeta   map[string]interface{}
}

func (f *fakeMirror) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.lastGeo = loc
	return nil
}

func (f *fakeMirror) HSet(ctx context.Context, id string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func (f *fakeMirror) Remove(ctx context.Context, id string) error {
	f.rmCalls++
	if f.rmCalls <= f.failRemove {
		return errors.New("remove fail")
	}
	return nil
}

func onlineEvent() *models.DriverLocationEvent {
	return &models.DriverLocationEvent{
		DriverID:    "d1",
		Loc:         models.Coord{Lat: 1, Lng: 2},
		Status:      models.DriverAvailable,
		VehicleType: "Car",
		Online:      true,
		At:          time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeMirror{failGeo: 1, failH: 1}
	start := time.Now()
	op, err := updateRedisWithRetry(context.Background(), f, onlineEvent(), 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if op != "upsert" {
		t.Fatalf("expected upsert, got %s", op)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastGeo.Longitude != 2 || f.lastGeo.Latitude != 1 || f.lastGeo.Name != "d1" {
		t.Fatalf("unexpected geo location %+v", f.lastGeo)
	}
	if f.lastMeta["vehicle_type"] != "Car" || f.lastMeta["online"] != "true" {
		t.Fatalf("unexpected meta %+v", f.lastMeta)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeMirror{failGeo: 5}
	if _, err := updateRedisWithRetry(context.Background(), f, onlineEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_OfflineRemoves(t *testing.T) {
	f := &fakeMirror{failRemove: 1}
	ev := onlineEvent()
	ev.Online = false
	op, err := updateRedisWithRetry(context.Background(), f, ev, 3, time.Millisecond)
	if err != nil || op != "remove" {
		t.Fatalf("expected remove, got op=%s err=%v", op, err)
	}
	if f.rmCalls != 2 || f.geoCalls != 0 {
		t.Fatalf("unexpected calls rm=%d geo=%d", f.rmCalls, f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeMirror{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := updateRedisWithRetry(ctx, f, onlineEvent(), 5, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.geoCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.geoCalls)
	}
}

type fakeNearby struct {
	gotRadius float64
	gotLimit  int
	out       []models.DriverPresence
	err       error
}

func (f *fakeNearby) Nearby(_ context.Context, _ models.Coord, radiusKm float64, limit int) ([]models.DriverPresence, error) {
	f.gotRadius, f.gotLimit = radiusKm, limit
	return f.out, f.err
}

func TestNearbyHandler(t *testing.T) {
	src := &fakeNearby{out: []models.DriverPresence{{DriverID: "d1", Status: models.DriverAvailable}}}
	h := nearbyHandler(src, logging.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/nearby?lat=27.7&lng=85.3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []models.DriverPresence
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("unexpected body %+v", got)
	}
	if src.gotRadius != 5 || src.gotLimit != 20 {
		t.Fatalf("defaults not applied: radius=%v limit=%d", src.gotRadius, src.gotLimit)
	}

	for _, q := range []string{"?lat=x&lng=1", "?lat=1&lng=1&radiusKm=0", "?lat=1&lng=1&limit=-2"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/nearby"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}

	src.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/nearby?lat=1&lng=1", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

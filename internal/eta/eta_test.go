package eta

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeClient struct {
	secs  float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	f.calls++
	return f.secs, f.err
}

func TestEstimatorPrefersClientAndCaches(t *testing.T) {
	c := &fakeClient{secs: 240}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 27.7, Lng: 85.3}, models.Coord{Lat: 27.71, Lng: 85.31}
	if got := e.Seconds(a, b); got != 240 {
		t.Fatalf("expected 240, got %f", got)
	}
	if got := e.Seconds(a, b); got != 240 {
		t.Fatalf("expected cached 240, got %f", got)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
	if got := FormatArrival(e.Seconds(a, b)); got != "4 mins" {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestEstimatorFallsBackOnClientError(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.01, Lng: 0}
	got := e.Seconds(a, b)
	want := EstimateSeconds(a, b, 10)
	if got != want || got < 100 || got > 120 {
		t.Fatalf("expected naive %f (~111s), got %f", want, got)
	}
}

func TestLocalNeverCallsClient(t *testing.T) {
	c := &fakeClient{secs: 999}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0.01, Lng: 0}

	if got, want := e.Local(a, b), EstimateSeconds(a, b, 10); got != want {
		t.Fatalf("expected straight-line %f, got %f", want, got)
	}
	if c.calls != 0 {
		t.Fatalf("Local called the client %d times", c.calls)
	}
	e.Seconds(a, b)
	if got := e.Local(a, b); got != 999 {
		t.Fatalf("expected cached routed value, got %f", got)
	}
	if !e.Routed() || (&Estimator{}).Routed() {
		t.Fatal("Routed should follow Client")
	}
}

func TestFormatArrival(t *testing.T) {
	tests := []struct {
		secs float64
		want string
	}{
		{0, "1 min"},
		{59, "1 min"},
		{61, "2 mins"},
		{300, "5 mins"},
	}
	for _, tt := range tests {
		if got := FormatArrival(tt.secs); got != tt.want {
			t.Fatalf("FormatArrival(%v) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lng: 1}
	c.Set(a, a, 5)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, a); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/85.300000,27.700000;85.310000,27.710000" {
			http.Error(w, "bad path "+r.URL.Path, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5}]}`)
	}))
	defer srv.Close()

	o := NewOSRMClient(srv.URL + "/")
	got, err := o.EstimateSeconds(models.Coord{Lat: 27.7, Lng: 85.3}, models.Coord{Lat: 27.71, Lng: 85.31})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != 321.5 {
		t.Fatalf("expected 321.5, got %f", got)
	}
}

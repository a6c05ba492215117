package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

// ReadyCheck is one dependency checked by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Coordinator *dispatch.Coordinator
	WSReg       *dispatch.WSRegistry
	Presence    *presence.Registry
	Rides       *storage.SessionStore
	Matcher     *matcher.Service
	Ready       []ReadyCheck
	Logger      *slog.Logger
}

type Server struct {
	coord    *dispatch.Coordinator
	wsreg    *dispatch.WSRegistry
	presence *presence.Registry
	rides    *storage.SessionStore
	matcher  *matcher.Service
	ready    []ReadyCheck
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		coord:    d.Coordinator,
		wsreg:    d.WSReg,
		presence: d.Presence,
		rides:    d.Rides,
		matcher:  d.Matcher,
		ready:    d.Ready,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients are mobile apps and the admin dashboard; any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleWS upgrades a client connection and pumps its frames into the
// coordinator until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	role, ok := models.ParseRole(q.Get("userType"))
	if userID == "" || !ok {
		writeError(w, http.StatusBadRequest, "userId and userType=driver|passenger are required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	ctx := r.Context()
	sess := s.wsreg.Add(conn, userID, role)
	if err := s.coord.Submit(ctx, sess.ID, dispatch.Connect{UserID: userID, Role: role}); err != nil {
		s.logger.Error("ws connect not dispatched", "conn_id", sess.ID, "error", err)
		s.wsreg.Remove(sess.ID)
		_ = conn.Close()
		return
	}
	go sess.WritePump()

	sess.ReadPump(func(f dispatch.Frame) {
		ev, err := dispatch.Decode(f.Event, f.Data)
		if err != nil {
			reason := observability.DropMalformedEvent
			if errors.Is(err, dispatch.ErrUnknownEvent) {
				reason = observability.DropUnknownEvent
			}
			observability.Drops.WithLabelValues(reason).Inc()
			s.logger.Warn("ws frame rejected", "conn_id", sess.ID, "user_id", userID, "event", f.Event, "error", err)
			return
		}
		if err := s.coord.Submit(ctx, sess.ID, ev); err != nil {
			s.logger.Warn("ws event not dispatched", "conn_id", sess.ID, "event", f.Event, "error", err)
		}
	})

	s.wsreg.Remove(sess.ID)
	if err := s.coord.Submit(context.WithoutCancel(ctx), sess.ID, dispatch.Disconnect{}); err != nil {
		s.logger.Warn("ws disconnect not dispatched", "conn_id", sess.ID, "error", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.ready {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, ok := s.rides.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleListRides only serves active rides; terminal ones live in the trip archive.
func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("active"); v != "" && v != "true" {
		writeError(w, http.StatusBadRequest, "only active=true is supported")
		return
	}
	writeJSON(w, http.StatusOK, s.rides.Active())
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err := errors.Join(err1, err2); err != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, http.StatusBadRequest, "lat and lng must be valid coordinates")
		return
	}
	var radius float64
	if v := q.Get("radiusKm"); v != "" {
		radius, err1 = strconv.ParseFloat(v, 64)
		if err1 != nil || radius < 0 {
			writeError(w, http.StatusBadRequest, "radiusKm must be a non-negative number")
			return
		}
	}
	out := s.matcher.FindNearbyDrivers(models.Coord{Lat: lat, Lng: lng}, q.Get("vehicleType"), radius)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	drivers, passengers := s.presence.Counts()
	writeJSON(w, http.StatusOK, map[string]int{
		"drivers":     drivers,
		"passengers":  passengers,
		"connections": s.wsreg.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

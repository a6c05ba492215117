package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror keeps an out-of-process copy of driver positions in a Redis GEO
// set so dashboards and other services can query it. The dispatcher itself
// never reads from it.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	return &RedisMirror{client: client, key: key}
}

func (r *RedisMirror) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	return r.client.GeoAdd(ctx, r.key, loc).Err()
}

func (r *RedisMirror) HSet(ctx context.Context, id string, values map[string]interface{}) error {
	return r.client.HSet(ctx, MetaKey(id), values).Err()
}

func (r *RedisMirror) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.Del(ctx, MetaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Nearby reads back mirrored drivers around a point, nearest first.
func (r *RedisMirror) Nearby(ctx context.Context, at models.Coord, radiusKm float64, limit int) ([]models.DriverPresence, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lng,
			Latitude:   at.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPresence, 0, len(res))
	for _, g := range res {
		d := models.DriverPresence{DriverID: g.Name, Location: &models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			d.Status = models.DriverStatus(m["status"])
			d.VehicleType = m["vehicle_type"]
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				d.Updated = ts
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// MetaFields flattens a location event into the meta hash layout.
func MetaFields(ev models.DriverLocationEvent) map[string]interface{} {
	return map[string]interface{}{
		"status":       string(ev.Status),
		"vehicle_type": ev.VehicleType,
		"online":       strconv.FormatBool(ev.Online),
		"updated":      ev.At.UTC().Format(time.RFC3339),
	}
}

func MetaKey(id string) string { return "driver:meta:" + id }

package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DriverPosition is one entry of the live driver map. At is the moment the
// position was observed; zero means "now".
type DriverPosition struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at,omitempty"`
}

// RedisGeo maintains a Redis GEO set of driver positions alongside a small
// metadata hash per driver. It backs the dispatcher map view; the matching
// engine itself works off the authoritative directory records.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoFromClient wraps an existing client; the consumer binary builds
// its index writer this way so the connection is shared with its readiness
// probe.
func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p DriverPosition) error {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Lon,
		Latitude:  p.Lat,
		Name:      p.DriverID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
		"online":  strconv.FormatBool(p.Online),
		"updated": at.UTC().Format(time.RFC3339),
	}).Err()
}

// SetOnline flips the online flag without touching the stored position.
func (r *RedisGeo) SetOnline(ctx context.Context, driverID string, online bool) error {
	return r.client.HSet(ctx, metaKey(driverID), "online", strconv.FormatBool(online)).Err()
}

// Nearby returns up to limit online drivers within radiusKm of the point,
// closest first.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]DriverPosition, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DriverPosition, 0, len(res))
	for _, g := range res {
		p := DriverPosition{DriverID: g.Name, Lat: g.Latitude, Lon: g.Longitude}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			p.Online = m["online"] == "true"
		}
		if !p.Online {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:pos:" + id }

// Package routing computes routes over an ordered waypoint list. The OSRM
// call is best-effort: on any failure a deterministic haversine estimate is
// substituted so ordering never fails on the routing provider.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is a computed route over the requested waypoints.
type Route struct {
	DistanceKm      float64
	DurationMinutes int
	Points          []models.LocationPoint
}

// Client resolves a route for an ordered list of at least two waypoints.
type Client interface {
	Route(ctx context.Context, waypoints []models.LocationPoint) (Route, error)
}

// OSRMClient queries an OSRM HTTP server for driving routes.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (o *OSRMClient) Route(ctx context.Context, waypoints []models.LocationPoint) (Route, error) {
	if len(waypoints) < 2 {
		return Route{}, fmt.Errorf("routing: need at least 2 waypoints, got %d", len(waypoints))
	}
	coords := make([]string, 0, len(waypoints))
	for _, wp := range waypoints {
		coords = append(coords, fmt.Sprintf("%.6f,%.6f", wp.Lon, wp.Lat))
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson",
		o.Endpoint, strings.Join(coords, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"` // meters
			Duration float64 `json:"duration"` // seconds
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm: no route (code=%s)", out.Code)
	}

	r := out.Routes[0]
	points := make([]models.LocationPoint, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		points = append(points, models.LocationPoint{Lon: c[0], Lat: c[1]})
	}
	return Route{
		DistanceKm:      r.Distance / 1000.0,
		DurationMinutes: int(math.Ceil(r.Duration / 60.0)),
		Points:          points,
	}, nil
}

// Planner wraps a Client with the local fallback. A nil Client means
// fallback-only operation.
type Planner struct {
	Client Client
	Log    *slog.Logger
}

// Route never fails: provider errors are logged and replaced with the
// haversine estimate.
func (p *Planner) Route(ctx context.Context, waypoints []models.LocationPoint) Route {
	if p.Client != nil {
		r, err := p.Client.Route(ctx, waypoints)
		if err == nil {
			return r
		}
		if p.Log != nil {
			p.Log.Warn("routing provider failed, using haversine estimate", "error", err)
		}
	}
	return Fallback(waypoints)
}

// Fallback sums pairwise great-circle distances and estimates duration at
// 40 km/h plus 3 minutes per intermediate stop, with a 1 minute floor.
func Fallback(waypoints []models.LocationPoint) Route {
	var totalKm float64
	for i := 0; i < len(waypoints)-1; i++ {
		totalKm += geo.HaversineKm(
			waypoints[i].Lat, waypoints[i].Lon,
			waypoints[i+1].Lat, waypoints[i+1].Lon)
	}
	stops := len(waypoints) - 2
	if stops < 0 {
		stops = 0
	}
	minutes := (totalKm/40.0)*60.0 + float64(stops)*3.0
	dur := int(math.Round(minutes))
	if dur < 1 {
		dur = 1
	}
	return Route{DistanceKm: totalKm, DurationMinutes: dur, Points: waypoints}
}

// SerializeRoute encodes route points as a JSON [[lat,lon],...] polyline for
// storage on the ride. Returns "" when there is nothing to store.
func SerializeRoute(points []models.LocationPoint) string {
	if len(points) == 0 {
		return ""
	}
	coords := make([][2]float64, 0, len(points))
	for _, pt := range points {
		coords = append(coords, [2]float64{pt.Lat, pt.Lon})
	}
	b, err := json.Marshal(coords)
	if err != nil {
		return ""
	}
	return string(b)
}

// DistanceAlongRoute walks a stored polyline and returns the cumulative
// distance up to the route point closest to stop. Returns 0 when the
// polyline is missing or malformed; callers fall back to haversine.
func DistanceAlongRoute(routeJSON string, stop models.LocationPoint) float64 {
	if strings.TrimSpace(routeJSON) == "" {
		return 0
	}
	var coords [][2]float64
	if err := json.Unmarshal([]byte(routeJSON), &coords); err != nil || len(coords) < 2 {
		return 0
	}

	var cumulative, atClosest float64
	minToStop := math.MaxFloat64
	for i, c := range coords {
		lat, lon := c[0], c[1]
		toStop := geo.HaversineKm(lat, lon, stop.Lat, stop.Lon)
		if toStop < minToStop {
			minToStop = toStop
			atClosest = cumulative
		}
		if i < len(coords)-1 {
			next := coords[i+1]
			cumulative += geo.HaversineKm(lat, lon, next[0], next[1])
		}
	}
	return atClosest
}

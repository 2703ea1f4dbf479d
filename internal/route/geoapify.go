package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// GeoapifyClient resolves free-form location descriptors to coordinates and
// routes between them using the Geoapify HTTP API. The client timeout bounds
// both calls; callers substitute Fallback() on error.
type GeoapifyClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewGeoapifyClient(endpoint, apiKey string) *GeoapifyClient {
	return &GeoapifyClient{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Estimate geocodes pickup and dropoff, then queries the routing endpoint.
// Distance is returned in km, duration in minutes.
func (g *GeoapifyClient) Estimate(ctx context.Context, pickup, dropoff string) (Estimate, error) {
	pLat, pLon, err := g.geocode(ctx, pickup)
	if err != nil {
		return Estimate{}, fmt.Errorf("geocode pickup: %w", err)
	}
	dLat, dLon, err := g.geocode(ctx, dropoff)
	if err != nil {
		return Estimate{}, fmt.Errorf("geocode dropoff: %w", err)
	}

	u := fmt.Sprintf("%s/v1/routing?waypoints=%.6f,%.6f|%.6f,%.6f&mode=drive&apiKey=%s",
		g.Endpoint, pLat, pLon, dLat, dLon, g.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Estimate{}, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Estimate{}, fmt.Errorf("routing status %d", resp.StatusCode)
	}
	var out struct {
		Features []struct {
			Properties struct {
				Distance float64 `json:"distance"` // meters
				Time     float64 `json:"time"`     // seconds
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Estimate{}, err
	}
	if len(out.Features) == 0 {
		return Estimate{}, fmt.Errorf("routing: no route")
	}
	p := out.Features[0].Properties
	return Estimate{DistanceKm: p.Distance / 1000.0, DurationMin: p.Time / 60.0}, nil
}

func (g *GeoapifyClient) geocode(ctx context.Context, address string) (lat, lon float64, err error) {
	u := fmt.Sprintf("%s/v1/geocode/search?text=%s&apiKey=%s", g.Endpoint, url.QueryEscape(address), g.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("geocode status %d", resp.StatusCode)
	}
	var out struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"` // lon, lat
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, err
	}
	if len(out.Features) == 0 || len(out.Features[0].Geometry.Coordinates) < 2 {
		return 0, 0, fmt.Errorf("geocode: no result for %q", address)
	}
	c := out.Features[0].Geometry.Coordinates
	return c[1], c[0], nil
}

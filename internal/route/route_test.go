package route

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGeoapifyEstimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/geocode/search"):
			fmt.Fprint(w, `{"features":[{"geometry":{"coordinates":[79.8612,6.9271]}}]}`)
		case strings.HasPrefix(r.URL.Path, "/v1/routing"):
			fmt.Fprint(w, `{"features":[{"properties":{"distance":10000,"time":1200}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewGeoapifyClient(srv.URL, "test-key")
	est, err := c.Estimate(context.Background(), "A", "B")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.DistanceKm != 10.0 || est.DurationMin != 20.0 {
		t.Fatalf("expected 10km/20min, got %+v", est)
	}
}

func TestGeoapifyGeocodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"features":[]}`)
	}))
	defer srv.Close()

	c := NewGeoapifyClient(srv.URL, "test-key")
	if _, err := c.Estimate(context.Background(), "nowhere", "B"); err == nil {
		t.Fatal("expected geocode error")
	}
}

func TestFallbackConstants(t *testing.T) {
	f := Fallback()
	if f.DistanceKm != 5.0 || f.DurationMin != 10.0 {
		t.Fatalf("unexpected fallback %+v", f)
	}
}

type countingEstimator struct {
	calls int
	err   error
}

func (c *countingEstimator) Estimate(ctx context.Context, pickup, dropoff string) (Estimate, error) {
	c.calls++
	if c.err != nil {
		return Estimate{}, c.err
	}
	return Estimate{DistanceKm: 3, DurationMin: 7}, nil
}

func TestCachedEstimatorHitsCache(t *testing.T) {
	inner := &countingEstimator{}
	ce := &CachedEstimator{Inner: inner, Cache: NewCache(time.Minute)}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ce.Estimate(ctx, "A", "B"); err != nil {
			t.Fatalf("estimate: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", inner.calls)
	}
}

func TestCachedEstimatorDoesNotCacheErrors(t *testing.T) {
	inner := &countingEstimator{err: errors.New("down")}
	ce := &CachedEstimator{Inner: inner, Cache: NewCache(time.Minute)}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := ce.Estimate(ctx, "A", "B"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", inner.calls)
	}
}

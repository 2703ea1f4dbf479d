package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index tracks which drivers are currently available for dispatch. The
// coordinator updates it on every driver status transition; the
// available-drivers query reads it instead of scanning the store.
type Index interface {
	MarkAvailable(ctx context.Context, d models.Driver) error
	MarkUnavailable(ctx context.Context, driverUserID string) error
	Available(ctx context.Context, vt models.VehicleType) ([]string, error)
}

// MemoryIndex is the in-process Index used when Redis is not configured.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.VehicleType // user id -> vehicle type
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.VehicleType)}
}

func (m *MemoryIndex) MarkAvailable(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.UserID] = d.VehicleType
	return nil
}

func (m *MemoryIndex) MarkUnavailable(ctx context.Context, driverUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverUserID)
	return nil
}

// Available lists available driver user ids, optionally filtered by
// vehicle type (empty type matches all).
func (m *MemoryIndex) Available(ctx context.Context, vt models.VehicleType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.drivers))
	for id, t := range m.drivers {
		if vt != "" && t != vt {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

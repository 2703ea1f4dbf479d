package geo

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis sets, one set per vehicle type plus
// a catch-all set, with a metadata hash per driver. Multiple server
// instances share the same availability view this way.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) MarkAvailable(ctx context.Context, d models.Driver) error {
	if err := r.client.SAdd(ctx, r.key, d.UserID).Err(); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, r.typeKey(d.VehicleType), d.UserID).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.UserID), map[string]interface{}{
		"vehicle_type": string(d.VehicleType),
		"name":         d.Name,
	}).Err()
}

func (r *RedisIndex) MarkUnavailable(ctx context.Context, driverUserID string) error {
	if err := r.client.SRem(ctx, r.key, driverUserID).Err(); err != nil {
		return err
	}
	// the driver may be in any type set; look the type up from metadata
	vt, err := r.client.HGet(ctx, metaKey(driverUserID), "vehicle_type").Result()
	if err == nil && vt != "" {
		return r.client.SRem(ctx, r.typeKey(models.VehicleType(vt)), driverUserID).Err()
	}
	return nil
}

func (r *RedisIndex) Available(ctx context.Context, vt models.VehicleType) ([]string, error) {
	key := r.key
	if vt != "" {
		key = r.typeKey(vt)
	}
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisIndex) typeKey(vt models.VehicleType) string { return r.key + ":" + string(vt) }

func metaKey(id string) string { return "driver:meta:" + id }

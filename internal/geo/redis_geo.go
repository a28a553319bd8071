package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// statusCAS flips the status field only when it still holds the expected value.
// Returns -1 for an unknown driver, 0 on mismatch, 1 on success.
var statusCAS = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated', ARGV[3])
  return 1
end
return 0
`)

const defaultSearchRadiusM = 50000

// RedisGeo implements Geo using Redis GEO commands plus a metadata hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, key)
}

func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Client() *redis.Client { return r.client }

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	status := d.Status
	if status == "" {
		status = models.DriverOffline
	}
	meta := map[string]interface{}{"updated": time.Now().UTC().Format(time.RFC3339Nano)}
	if d.Rating > 0 {
		meta["rating"] = strconv.FormatFloat(d.Rating, 'f', -1, 64)
	}
	if len(d.RideTypes) > 0 {
		meta["ride_types"] = joinRideTypes(d.RideTypes)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		pipe.HSet(ctx, metaKey(d.ID), meta)
		pipe.HSetNX(ctx, metaKey(d.ID), "status", string(status))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("redis get driver %s: %w", id, err)
	}
	if len(m) == 0 {
		return models.Driver{}, ErrUnknownDriver
	}
	d := driverFromMeta(id, m)
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("redis geopos %s: %w", id, err)
	}
	if len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func (r *RedisGeo) CompareAndSetStatus(ctx context.Context, id string, from, to models.DriverStatus) (bool, error) {
	res, err := statusCAS.Run(ctx, r.client, []string{metaKey(id)}, string(from), string(to), time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("redis status cas %s: %w", id, err)
	}
	switch res {
	case -1:
		return false, ErrUnknownDriver
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Driver, error) {
	if radiusM <= 0 {
		radiusM = defaultSearchRadiusM
	}
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis driver meta: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for i, g := range res {
		d := driverFromMeta(g.Name, cmds[i].Val())
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, d)
	}
	return out, nil
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, Status: models.DriverOffline}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["status"]; ok && v != "" {
		d.Status = models.DriverStatus(v)
	}
	if v, ok := m["ride_types"]; ok && v != "" {
		for _, t := range strings.Split(v, ",") {
			d.RideTypes = append(d.RideTypes, models.RideType(t))
		}
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.Updated = t
		}
	}
	return d
}

func joinRideTypes(types []models.RideType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func metaKey(id string) string { return "driver:meta:" + id }

package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/models"
)

// RedisStore implements Store on Redis so several dispatch processes can
// share one pool. Layout under prefix:
//
//	<prefix>:keys      SET  live session keys
//	<prefix>:orders    HASH session key -> JSON PendingOrder (without reservation)
//	<prefix>:reserved  HASH session key -> driver id
//	<prefix>:geo       GEO  session key at the order origin
type RedisStore struct {
	client   redis.Cmdable
	radiusKm float64
	keys     string
	orders   string
	reserved string
	geo      string
}

func NewRedisStore(client redis.Cmdable, prefix string, radiusKm float64) *RedisStore {
	if prefix == "" {
		prefix = "pending"
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &RedisStore{
		client:   client,
		radiusKm: radiusKm,
		keys:     prefix + ":keys",
		orders:   prefix + ":orders",
		reserved: prefix + ":reserved",
		geo:      prefix + ":geo",
	}
}

// findNearestScript walks origins closest first and stakes out the first
// live, unreserved, non-excluded order strictly inside the radius. Redis runs
// scripts atomically, which closes the compare-then-reserve race.
var findNearestScript = redis.NewScript(`
local radius = tonumber(ARGV[4])
local excluded = {}
for i = 5, #ARGV do
    excluded[ARGV[i]] = true
end

local hits = redis.call('GEORADIUS', KEYS[1], ARGV[2], ARGV[3], radius, 'km', 'WITHDIST', 'ASC')
for _, hit in ipairs(hits) do
    local key = hit[1]
    local dist = tonumber(hit[2])
    if dist < radius and not excluded[key]
        and redis.call('SISMEMBER', KEYS[4], key) == 1
        and redis.call('HEXISTS', KEYS[2], key) == 0 then
        local payload = redis.call('HGET', KEYS[3], key)
        if payload then
            redis.call('HSET', KEYS[2], key, ARGV[1])
            return {key, payload, hit[2]}
        end
    end
end
return false
`)

func (r *RedisStore) Add(ctx context.Context, key string, rec models.PendingOrder) error {
	if !indexable(rec.Order.LocationFrom) {
		return fmt.Errorf("add pending order %s: %w", key, ErrOutsideServiceArea)
	}
	rec.ReservedBy = ""
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.keys, key)
		p.HSet(ctx, r.orders, key, payload)
		p.HDel(ctx, r.reserved, key)
		p.GeoAdd(ctx, r.geo, &redis.GeoLocation{Name: key, Longitude: rec.Order.LocationFrom.Lon, Latitude: rec.Order.LocationFrom.Lat})
		return nil
	})
	if err != nil {
		return fmt.Errorf("add pending order %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) (bool, error) {
	var srem *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		srem = p.SRem(ctx, r.keys, key)
		p.HDel(ctx, r.orders, key)
		p.HDel(ctx, r.reserved, key)
		p.ZRem(ctx, r.geo, key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove pending order %s: %w", key, err)
	}
	return srem.Val() > 0, nil
}

func (r *RedisStore) Free(ctx context.Context, key string) error {
	return r.client.HDel(ctx, r.reserved, key).Err()
}

func (r *RedisStore) IsLive(ctx context.Context, key string) (bool, error) {
	return r.client.SIsMember(ctx, r.keys, key).Result()
}

// ReservedBy returns the driver currently holding key, if any.
func (r *RedisStore) ReservedBy(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.reserved, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) FindNearest(ctx context.Context, driverID string, loc models.Coord, exclude map[string]struct{}) (Match, bool, error) {
	// GEORADIUS rejects the point outright; no indexed origin is near it anyway.
	if !indexable(loc) {
		return Match{}, false, nil
	}
	args := make([]interface{}, 0, 4+len(exclude))
	args = append(args, driverID,
		strconv.FormatFloat(loc.Lon, 'f', -1, 64),
		strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		strconv.FormatFloat(r.radiusKm, 'f', -1, 64))
	for k := range exclude {
		args = append(args, k)
	}

	res, err := findNearestScript.Run(ctx, r.client, []string{r.geo, r.reserved, r.orders, r.keys}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return Match{}, false, nil
	}
	if err != nil {
		return Match{}, false, fmt.Errorf("find nearest order: %w", err)
	}
	if len(res) != 3 {
		return Match{}, false, fmt.Errorf("find nearest order: unexpected reply %v", res)
	}
	key, _ := res[0].(string)
	payload, _ := res[1].(string)
	var rec models.PendingOrder
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		// the reservation would otherwise outlive a record nobody can read
		_ = r.Free(ctx, key)
		return Match{}, false, fmt.Errorf("decode pending order %s: %w", key, err)
	}
	dist, _ := strconv.ParseFloat(fmt.Sprint(res[2]), 64)
	return Match{SessionKey: key, Order: rec.Order, Rider: rec.Rider, DistanceKm: dist}, true, nil
}

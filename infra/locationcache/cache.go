// Package locationcache mirrors driver positions into Redis: a geo index for
// radius queries, geohash cell sets and a pub/sub feed per driver.
package locationcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kilianp07/lastmile/core/logger"
	"github.com/kilianp07/lastmile/core/model"
)

// Config locates the Redis server.
type Config struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	Buffer    int    `json:"buffer"`
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool { return c.Addr != "" }

// client is the subset of *redis.Client used here.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoRadius(ctx context.Context, key string, longitude, latitude float64, query *redis.GeoRadiusQuery) *redis.GeoLocationCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Update is the message published on a driver's location channel.
type Update struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Geohash   string    `json:"geohash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Nearby is a driver found by a radius query.
type Nearby struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// Cache implements registry.LocationObserver. Writes happen on a background
// worker; updates arriving while the queue is full are dropped.
type Cache struct {
	rdb     client
	prefix  string
	queue   chan model.Driver
	log     logger.Logger
	dropped atomic.Uint64

	mu    sync.Mutex
	cells map[string]string
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config, log logger.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newCache(rdb, cfg, log), nil
}

func newCache(rdb client, cfg Config, log logger.Logger) *Cache {
	if log == nil {
		log = logger.NopLogger{}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "lastmile"
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 256
	}
	return &Cache{
		rdb:    rdb,
		prefix: prefix,
		queue:  make(chan model.Driver, buf),
		log:    log,
		cells:  make(map[string]string),
	}
}

func (c *Cache) geoKey() string             { return c.prefix + ":drivers:geo" }
func (c *Cache) cellKey(cell string) string { return c.prefix + ":drivers:" + cell }
func (c *Cache) channel(id string) string   { return c.prefix + ":driver_location:" + id }

// OnLocation queues d for mirroring.
func (c *Cache) OnLocation(d model.Driver) {
	if d.Location == nil {
		return
	}
	select {
	case c.queue <- d:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many updates were discarded.
func (c *Cache) Dropped() uint64 { return c.dropped.Load() }

// Start runs the writer until ctx is done. The returned channel closes when
// the writer has stopped.
func (c *Cache) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-c.queue:
				wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := c.write(wctx, d); err != nil {
					c.log.Warnf("location cache write for %s failed: %v", d.ID, err)
				}
				cancel()
			}
		}
	}()
	return done
}

func (c *Cache) write(ctx context.Context, d model.Driver) error {
	loc := d.Location
	if err := c.rdb.GeoAdd(ctx, c.geoKey(), &redis.GeoLocation{Name: d.ID, Longitude: loc.Lng, Latitude: loc.Lat}).Err(); err != nil {
		return err
	}
	var errs []error
	c.mu.Lock()
	prev := c.cells[d.ID]
	c.cells[d.ID] = loc.Geohash
	c.mu.Unlock()
	if prev != loc.Geohash {
		if prev != "" {
			errs = append(errs, c.rdb.SRem(ctx, c.cellKey(prev), d.ID).Err())
		}
		errs = append(errs, c.rdb.SAdd(ctx, c.cellKey(loc.Geohash), d.ID).Err())
	}
	msg, err := json.Marshal(Update{DriverID: d.ID, Lat: loc.Lat, Lng: loc.Lng, Geohash: loc.Geohash, UpdatedAt: loc.UpdatedAt})
	if err != nil {
		return err
	}
	errs = append(errs, c.rdb.Publish(ctx, c.channel(d.ID), msg).Err())
	return errors.Join(errs...)
}

// Nearby returns the drivers within radiusKm of origin, closest first.
func (c *Cache) Nearby(ctx context.Context, origin model.Coordinate, radiusKm float64, limit int) ([]Nearby, error) {
	locs, err := c.rdb.GeoRadius(ctx, c.geoKey(), origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, 0, len(locs))
	for _, l := range locs {
		out = append(out, Nearby{DriverID: l.Name, DistanceKm: l.Dist})
	}
	return out, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.rdb.Close() }

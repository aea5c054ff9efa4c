package locationcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/lastmile/core/model"
)

type fakeRedis struct {
	mu        sync.Mutex
	geo       map[string]*redis.GeoLocation
	sets      map[string]map[string]bool
	published map[string][]string
	radius    *redis.GeoRadiusQuery
	geoErr    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{geo: map[string]*redis.GeoLocation{}, sets: map[string]map[string]bool{}, published: map[string][]string{}}
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (f *fakeRedis) GeoAdd(_ context.Context, _ string, locs ...*redis.GeoLocation) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.geoErr != nil {
		return redis.NewIntResult(0, f.geoErr)
	}
	for _, l := range locs {
		f.geo[l.Name] = l
	}
	return redis.NewIntResult(int64(len(locs)), nil)
}

func (f *fakeRedis) GeoRadius(_ context.Context, _ string, _, _ float64, q *redis.GeoRadiusQuery) *redis.GeoLocationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radius = q
	return redis.NewGeoLocationCmdResult([]redis.GeoLocation{{Name: "D2", Dist: 0.5}, {Name: "D1", Dist: 2}}, nil)
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		f.sets[key][m.(string)] = true
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m.(string))
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Publish(_ context.Context, ch string, msg interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[ch] = append(f.published[ch], string(msg.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error { return nil }

func driverAt(id string, lat, lng float64, cell string) model.Driver {
	return model.Driver{ID: id, Location: &model.Location{
		Coordinate: model.Coordinate{Lat: lat, Lng: lng},
		Geohash:    cell,
		UpdatedAt:  time.Unix(100, 0).UTC(),
	}}
}

func TestWriteMovesCell(t *testing.T) {
	rdb := newFakeRedis()
	c := newCache(rdb, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, c.write(ctx, driverAt("D1", 10, 20, "s3y0z")))
	require.NoError(t, c.write(ctx, driverAt("D1", 10.5, 20.5, "s3y1b")))

	assert.Equal(t, 20.5, rdb.geo["D1"].Longitude)
	assert.Empty(t, rdb.sets["lastmile:drivers:s3y0z"])
	assert.True(t, rdb.sets["lastmile:drivers:s3y1b"]["D1"])

	msgs := rdb.published["lastmile:driver_location:D1"]
	require.Len(t, msgs, 2)
	var u Update
	require.NoError(t, json.Unmarshal([]byte(msgs[1]), &u))
	assert.Equal(t, 10.5, u.Lat)
	assert.Equal(t, "s3y1b", u.Geohash)
}

func TestWriteError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.geoErr = errors.New("down")
	c := newCache(rdb, Config{KeyPrefix: "x"}, nil)
	assert.Error(t, c.write(context.Background(), driverAt("D1", 1, 1, "s00")))
	assert.Empty(t, rdb.published)
}

func TestWorkerAndDrops(t *testing.T) {
	rdb := newFakeRedis()
	c := newCache(rdb, Config{Buffer: 1}, nil)
	c.OnLocation(model.Driver{ID: "nowhere"})
	c.OnLocation(driverAt("D1", 1, 1, "s00"))
	c.OnLocation(driverAt("D2", 1, 1, "s00"))
	assert.EqualValues(t, 1, c.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Start(ctx)
	assert.Eventually(t, func() bool {
		rdb.mu.Lock()
		defer rdb.mu.Unlock()
		return rdb.geo["D1"] != nil
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestNearby(t *testing.T) {
	rdb := newFakeRedis()
	c := newCache(rdb, Config{}, nil)
	got, err := c.Nearby(context.Background(), model.Coordinate{Lat: 10, Lng: 20}, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "D2", got[0].DriverID)
	assert.Equal(t, "km", rdb.radius.Unit)
	assert.True(t, rdb.radius.WithDist)
}

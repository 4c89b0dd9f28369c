/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redisreserve

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/motion-collector/internal/record"
)

func newTestReserver(t *testing.T, ttl time.Duration) (*Reserver, *miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client, "", ttl), mr, client
}

func TestReserve_Exclusive(t *testing.T) {
	ctx := context.Background()
	r1, mr, client := newTestReserver(t, time.Minute)
	r2 := NewFromClient(client, "", time.Minute)
	key := record.Key("2025-03-14_09-26-53.000000")

	ok, err := r1.Reserve(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists(defaultKeyPrefix+key.String()))

	ok, err = r2.Reserve(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must not get the same key")

	require.NoError(t, r1.Release(ctx, key))
	assert.False(t, mr.Exists(defaultKeyPrefix+key.String()))

	ok, err = r2.Reserve(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_OnlyOwnClaim(t *testing.T) {
	ctx := context.Background()
	r1, mr, client := newTestReserver(t, time.Minute)
	r2 := NewFromClient(client, "", time.Minute)
	key := record.Key("2025-03-14_09-26-53.000000")

	ok, err := r1.Reserve(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// r2 never held the key, so its release is a no-op.
	require.NoError(t, r2.Release(ctx, key))
	assert.True(t, mr.Exists(defaultKeyPrefix+key.String()))
}

func TestReserve_Expires(t *testing.T) {
	ctx := context.Background()
	r, mr, client := newTestReserver(t, time.Second)
	other := NewFromClient(client, "", time.Second)
	key := record.Key("2025-03-14_09-26-53.000000")

	ok, err := r.Reserve(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = other.Reserve(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale holder must not remove the new claim.
	require.NoError(t, r.Release(ctx, key))
	assert.True(t, mr.Exists(defaultKeyPrefix+key.String()))
}

func TestReserve_RedisDown(t *testing.T) {
	ctx := context.Background()
	r, mr, _ := newTestReserver(t, time.Minute)
	mr.Close()

	_, err := r.Reserve(ctx, "2025-03-14_09-26-53.000000")
	assert.ErrorIs(t, err, record.ErrStorage)
}

func TestKeyGenerator_WithRedisReserver(t *testing.T) {
	ctx := context.Background()
	_, _, client := newTestReserver(t, time.Minute)
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	clock := func() time.Time { return now }

	// Two generators stand in for two replicas.
	g1 := record.NewKeyGenerator(nil, record.WithClock(clock), record.WithReserver(NewFromClient(client, "", time.Minute)))
	g2 := record.NewKeyGenerator(nil, record.WithClock(clock), record.WithReserver(NewFromClient(client, "", time.Minute)))

	k1, err := g1.Generate(ctx)
	require.NoError(t, err)
	k2, err := g2.Generate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1+"-001", k2)
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addrs = []string{mr.Addr()}
	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Ping(context.Background()))
	require.NoError(t, r.Close())
}

func TestNew_WithTracing(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addrs = []string{mr.Addr()}
	cfg.Tracing = true
	r, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	ok, err := r.Reserve(context.Background(), "2025-03-14_09-26-53.000000")
	require.NoError(t, err)
	assert.True(t, ok)
}

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

// Package redisreserve holds record keys in Redis while uploads are in
// flight, so replicas sharing one store never hand out the same key.
package redisreserve

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/altairalabs/motion-collector/internal/record"
)

const (
	defaultKeyPrefix = "collector:reserve:"
	defaultTTL       = 10 * time.Minute
)

// Config holds connection and reservation settings.
type Config struct {
	// Addrs lists Redis server addresses. A single address creates a standalone
	// client; multiple addresses create a cluster client.
	Addrs []string
	// Password is used for Redis AUTH.
	Password string
	// DB selects the database number. Ignored in cluster mode.
	DB int
	// KeyPrefix is prepended to every reservation key.
	KeyPrefix string
	// TTL bounds how long a reservation outlives a crashed holder.
	TTL time.Duration
	// TLS enables TLS when non-nil.
	TLS *tls.Config
	// Tracing emits an OpenTelemetry span per Redis command.
	Tracing bool
}

// DefaultConfig returns a Config with sensible defaults. Callers must still
// set at least one address in Addrs.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: defaultKeyPrefix,
		TTL:       defaultTTL,
	}
}

// releaseScript deletes the reservation only if this holder still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Reserver implements record.Reserver with SET NX PX.
type Reserver struct {
	client     goredis.UniversalClient
	prefix     string
	ttl        time.Duration
	ownsClient bool

	mu     sync.Mutex
	tokens map[record.Key]string
}

// New creates a Reserver that owns its client and verifies it with a PING.
func New(cfg Config) (*Reserver, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis: at least one address is required")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:     cfg.Addrs,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})
	if cfg.Tracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis: instrumenting tracing: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	r := NewFromClient(client, cfg.KeyPrefix, cfg.TTL)
	r.ownsClient = true
	return r, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client goredis.UniversalClient, prefix string, ttl time.Duration) *Reserver {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Reserver{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		tokens: make(map[record.Key]string),
	}
}

func (r *Reserver) redisKey(key record.Key) string {
	return r.prefix + key.String()
}

// Reserve claims key for this process.
func (r *Reserver) Reserve(ctx context.Context, key record.Key) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.redisKey(key), token, r.ttl).Result()
	if err != nil {
		return false, record.NewStorageError("reserve", key, err)
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	return true, nil
}

// Release drops a claim held by this process. Claims held by others, or
// already expired, are left alone.
func (r *Reserver) Release(ctx context.Context, key record.Key) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.redisKey(key)}, token).Err(); err != nil {
		return record.NewStorageError("release", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Reserver) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client if this Reserver created it.
func (r *Reserver) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

var _ record.Reserver = (*Reserver)(nil)

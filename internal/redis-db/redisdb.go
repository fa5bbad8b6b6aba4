/*
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

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a universal client so the same code path serves standalone and
// clustered Redis deployments.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL parses a Redis URL into client options, tolerating the
// docker-style "host:port" shorthand and password-only URLs.
func ParseRedisURL(rawURL string) (*redis.Options, error) {
	// Don't modify docker-style addresses (e.g. redis:6379)
	if strings.Count(rawURL, ":") == 1 && !strings.Contains(rawURL, "@") && !strings.Contains(rawURL, "//") {
		return &redis.Options{Addr: rawURL}, nil
	}

	// Handle URLs that have redis:// prefix with password but no colon
	if strings.HasPrefix(rawURL, "redis://") && strings.Contains(rawURL, "@") {
		parts := strings.Split(strings.TrimPrefix(rawURL, "redis://"), "@")
		if len(parts) == 2 {
			authParts := strings.Split(parts[0], ":")
			if len(authParts) == 1 {
				rawURL = fmt.Sprintf("redis://:%s@%s", parts[0], parts[1])
			}
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		// Fall back to manual parsing for non-URL forms.
		host := rawURL
		var password string

		if strings.Contains(rawURL, "@") {
			parts := strings.Split(rawURL, "@")
			if len(parts) == 2 {
				password = strings.TrimPrefix(parts[0], "redis://")
				host = parts[1]
			}
		}

		opts = &redis.Options{
			Addr:     host,
			Password: password,
			DB:       0,
		}

		if strings.Contains(host, "redis.cache.windows.net") {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	return opts, nil
}

// NewRedisClient creates a Redis client from the provided address list. One
// address yields a standalone client; several yield a cluster client.
func NewRedisClient(addresses []string) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient

	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0])
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		var clusterAddrs []string
		var password string
		useTLS := false

		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr)
			if err != nil {
				return nil, err
			}
			clusterAddrs = append(clusterAddrs, opts.Addr)
			if password == "" && opts.Password != "" {
				password = opts.Password
			}
			if opts.TLSConfig != nil {
				useTLS = true
			}
		}

		var tlsConfig *tls.Config
		if useTLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:     clusterAddrs,
			Password:  password,
			TLSConfig: tlsConfig,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return &Redis{addresses: addresses, client: client}, nil
}

// Client returns the underlying universal Redis client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// MakeRedisClient returns the Redis client as an interface value, for
// compatibility with packages that accept asynq-style connection options.
func (r *Redis) MakeRedisClient() interface{} {
	return r.client
}

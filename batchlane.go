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

package batchlane

import (
	"embed"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/database"
	redis_db "github.com/batchlane/batchlane/internal/redis-db"
	"github.com/batchlane/batchlane/provider"
	"github.com/redis/go-redis/v9"
)

var tracer = otel.Tracer("batchlane")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Batchlane is the orchestration service: admission, batch lifecycle, result
// reconciliation and delivery all hang off this struct.
type Batchlane struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	provider   *provider.Client
	aggregator *Aggregator
	capacity   *CapacityController
}

// NewBatchlane initializes the service with the provided datasource. It
// fetches the configuration and wires up the Redis client, task queue,
// provider client, capacity controller and admission aggregator.
func NewBatchlane(db database.IDataSource) (*Batchlane, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	providerClient := provider.NewClient(configuration)
	capacity := NewCapacityController(db, configuration)

	b := &Batchlane{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		provider:   providerClient,
		capacity:   capacity,
	}
	b.aggregator = NewAggregator(b)
	return b, nil
}

// Provider exposes the upstream client for startup credential validation.
func (b *Batchlane) Provider() *provider.Client {
	return b.provider
}

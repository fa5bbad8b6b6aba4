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

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Configuration {
	return &Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/batchlane?sslmode=disable"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Provider:   ProviderConfig{ApiKey: "sk-test"},
	}
}

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := validConfig()
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, "https://api.openai.com/v1", cnf.Provider.BaseUrl)
	assert.Equal(t, "24h", cnf.Provider.CompletionWindow)
	assert.Equal(t, 50_000, cnf.Batch.MaxRequests)
	assert.Equal(t, int64(100*1024*1024), cnf.Batch.MaxSizeBytes)
	assert.Equal(t, 1.2, cnf.Capacity.Buffer)
	assert.Equal(t, int64(30_000), cnf.Capacity.FallbackTokenLimit)
	assert.Equal(t, 5, cnf.Delivery.MaxRetries)
	assert.Equal(t, "batchlane:pipeline", cnf.Queue.PipelineQueue)
	assert.Equal(t, "batchlane:delivery", cnf.Queue.DeliveryQueue)
}

func TestValidateRequiredFields(t *testing.T) {
	cnf := validConfig()
	cnf.DataSource.Dns = ""
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = validConfig()
	cnf.Redis.Dns = ""
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = validConfig()
	cnf.Provider.ApiKey = ""
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestBufferNeverBelowOne(t *testing.T) {
	cnf := validConfig()
	cnf.Capacity.Buffer = 0.5
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.GreaterOrEqual(t, cnf.Capacity.Buffer, 1.0)
}

func TestEnvOverride(t *testing.T) {
	require.NoError(t, os.Setenv("BATCHLANE_DATA_SOURCE_DNS", "postgres://env"))
	require.NoError(t, os.Setenv("BATCHLANE_REDIS_DNS", "env:6379"))
	require.NoError(t, os.Setenv("BATCHLANE_PROVIDER_API_KEY", "sk-env"))
	defer func() {
		os.Unsetenv("BATCHLANE_DATA_SOURCE_DNS")
		os.Unsetenv("BATCHLANE_REDIS_DNS")
		os.Unsetenv("BATCHLANE_PROVIDER_API_KEY")
	}()

	require.NoError(t, loadConfigFromFile("does-not-exist.json"))

	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cnf.DataSource.Dns)
	assert.Equal(t, "env:6379", cnf.Redis.Dns)
	assert.Equal(t, "sk-env", cnf.Provider.ApiKey)
}

func TestMockConfigFillsDefaults(t *testing.T) {
	MockConfig(validConfig())
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "Batchlane Server", cnf.ProjectName)
}

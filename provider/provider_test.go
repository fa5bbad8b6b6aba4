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

package provider

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(&config.Configuration{
		Provider: config.ProviderConfig{
			BaseUrl:    "https://provider.test/v1",
			ApiKey:     "sk-test",
			TimeoutSec: 5,
			MaxRetries: 2,
		},
	})
}

func TestUploadFile(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://provider.test/v1/files",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
			assert.Contains(t, req.Header.Get("Content-Type"), "multipart/form-data")
			return httpmock.NewStringResponse(200, `{"id":"file-abc","bytes":42,"filename":"batch.jsonl","purpose":"batch"}`), nil
		})

	client := newTestClient()
	client.httpClient = http.DefaultClient

	file, err := client.UploadFile(context.Background(), "batch.jsonl", strings.NewReader(`{"custom_id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, "file-abc", file.ID)
	assert.Equal(t, "batch", file.Purpose)
}

func TestCreateBatch(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://provider.test/v1/batches",
		httpmock.NewStringResponder(200, `{"id":"batch_remote_1","status":"validating","input_file_id":"file-abc","expires_at":1700000000}`))

	client := newTestClient()
	client.httpClient = http.DefaultClient

	remote, err := client.CreateBatch(context.Background(), "file-abc", "/v1/chat/completions", "24h")
	require.NoError(t, err)
	assert.Equal(t, "batch_remote_1", remote.ID)
	assert.Equal(t, JobStatusValidating, remote.Status)
}

func TestGetBatch_RetriesServerErrors(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("GET", "https://provider.test/v1/batches/batch_remote_1",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(502, `{"error":{"message":"bad gateway"}}`), nil
			}
			return httpmock.NewStringResponse(200, `{"id":"batch_remote_1","status":"completed","output_file_id":"file-out","request_counts":{"total":10,"completed":9,"failed":1}}`), nil
		})

	client := newTestClient()
	client.httpClient = http.DefaultClient

	remote, err := client.GetBatch(context.Background(), "batch_remote_1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, JobStatusCompleted, remote.Status)
	assert.Equal(t, 9, remote.RequestCounts.Completed)
}

func TestGetBatch_ClientErrorNotRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("GET", "https://provider.test/v1/batches/batch_missing",
		func(req *http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(404, `{"error":{"message":"no such batch"}}`), nil
		})

	client := newTestClient()
	client.httpClient = http.DefaultClient

	_, err := client.GetBatch(context.Background(), "batch_missing")
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apierror.IsCode(err, apierror.ErrBadRequest))
}

func TestRateLimitSurfacesCapacityError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://provider.test/v1/batches",
		httpmock.NewStringResponder(429, `{"error":{"message":"rate limited"}}`))

	client := newTestClient()
	client.httpClient = http.DefaultClient

	_, err := client.CreateBatch(context.Background(), "file-abc", "/v1/chat/completions", "24h")
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrCapacity))
	// Capacity pushback is not retried in place; pacing belongs to the caller.
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDownloadFile(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://provider.test/v1/files/file-out/content",
		httpmock.NewStringResponder(200, "{\"custom_id\":\"c1\"}\n{\"custom_id\":\"c2\"}\n"))

	client := newTestClient()
	client.httpClient = http.DefaultClient

	var buf bytes.Buffer
	err := client.DownloadFile(context.Background(), "file-out", &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(buf.String(), "custom_id"))
}

func TestValidate_Unauthorized(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://provider.test/v1/models",
		httpmock.NewStringResponder(401, `{"error":{"message":"invalid key"}}`))

	client := newTestClient()
	client.httpClient = http.DefaultClient

	err := client.Validate(context.Background())
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrBadRequest))
}

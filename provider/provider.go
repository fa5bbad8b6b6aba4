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

// Package provider implements the HTTP client for the upstream bulk API:
// file upload, batch job lifecycle and result download.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/sirupsen/logrus"
)

// Remote job states as the upstream API reports them.
const (
	JobStatusValidating = "validating"
	JobStatusInProgress = "in_progress"
	JobStatusFinalizing = "finalizing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusExpired    = "expired"
	JobStatusCancelling = "cancelling"
	JobStatusCancelled  = "cancelled"
)

// File is the upstream file object returned by upload.
type File struct {
	ID       string `json:"id"`
	Bytes    int64  `json:"bytes"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
}

// RequestCounts carries the upstream per-batch request totals.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RemoteBatch is the upstream batch job object.
type RemoteBatch struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	InputFileID   string        `json:"input_file_id"`
	OutputFileID  string        `json:"output_file_id"`
	ErrorFileID   string        `json:"error_file_id"`
	ExpiresAt     int64         `json:"expires_at"`
	RequestCounts RequestCounts `json:"request_counts"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Client talks to the upstream bulk API. Transient failures (5xx and
// transport errors) are retried with exponential backoff; 4xx responses are
// returned to the caller immediately.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries uint64
	httpClient *http.Client
}

func NewClient(cfg *config.Configuration) *Client {
	return &Client{
		baseURL:    cfg.Provider.BaseUrl,
		apiKey:     cfg.Provider.ApiKey,
		maxRetries: uint64(cfg.Provider.MaxRetries),
		httpClient: &http.Client{Timeout: time.Duration(cfg.Provider.TimeoutSec) * time.Second},
	}
}

// Validate checks the credentials against the upstream API. A 401 here means
// the configured key is unusable and the process should not start.
func (c *Client) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return apierror.NewAPIError(apierror.ErrBadRequest, "Provider rejected the configured API key", nil)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider validation returned status %d", resp.StatusCode)
	}
	return nil
}

// UploadFile uploads a JSONL input file with purpose "batch".
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (*File, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return nil, err
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	file := &File{}
	err = c.do(ctx, http.MethodPost, "/files", body.Bytes(), writer.FormDataContentType(), file)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// CreateBatch submits an uploaded input file as a new batch job.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*RemoteBatch, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	})
	if err != nil {
		return nil, err
	}

	remote := &RemoteBatch{}
	err = c.do(ctx, http.MethodPost, "/batches", payload, "application/json", remote)
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// GetBatch fetches the current state of a batch job.
func (c *Client) GetBatch(ctx context.Context, remoteJobID string) (*RemoteBatch, error) {
	remote := &RemoteBatch{}
	err := c.do(ctx, http.MethodGet, "/batches/"+remoteJobID, nil, "", remote)
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// CancelBatch asks the upstream to cancel a running batch job.
func (c *Client) CancelBatch(ctx context.Context, remoteJobID string) (*RemoteBatch, error) {
	remote := &RemoteBatch{}
	err := c.do(ctx, http.MethodPost, "/batches/"+remoteJobID+"/cancel", nil, "", remote)
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// DownloadFile streams a result file into w.
func (c *Client) DownloadFile(ctx context.Context, fileID string, w io.Writer) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}
		_, err = io.Copy(w, resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(operation, c.newBackOff(ctx))
}

// DeleteFile removes an uploaded or result file from the upstream store.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.do(ctx, http.MethodDelete, "/files/"+fileID, nil, "", nil)
}

// do executes one API call with retries, decoding the JSON response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType string, out interface{}) error {
	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			logrus.Warnf("provider call %s %s failed: %v", method, path, err)
			return err
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(operation, c.newBackOff(ctx))
}

// classifyStatus turns a non-2xx response into an error: 5xx is retryable
// here, everything else is permanent. A 429 surfaces immediately as a
// capacity error so the caller's pacing takes over instead of a blind
// in-place retry against a saturated upstream.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var apiBody apiErrorBody
	message := fmt.Sprintf("provider returned status %d", resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&apiBody); err == nil && apiBody.Error.Message != "" {
		message = apiBody.Error.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return backoff.Permanent(apierror.NewAPIError(apierror.ErrCapacity, message, nil))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s", message)
	}
	return backoff.Permanent(apierror.NewAPIError(apierror.ErrBadRequest, message, nil))
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}

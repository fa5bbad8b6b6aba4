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

package request

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ToJsonReq converts a Go object to a JSON-encoded HTTP request payload.
//
// Parameters:
// - payload interface{}: The data structure to be serialized into JSON.
//
// Returns:
// - *bytes.Buffer: The JSON-encoded payload ready to be sent in a request.
// - error: An error if the JSON marshalling process fails.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, errors.Wrap(e, "marshalling request payload")
	}
	return bytes.NewBuffer(c), nil
}

// Call makes an HTTP request using the provided request object and decodes the
// response into the specified structure. It sets Content-Type to
// application/json and applies a bounded client timeout.
//
// Parameters:
// - req *http.Request: The prepared HTTP request to send.
// - response interface{}: The target structure to hold the decoded JSON response.
//
// Returns:
// - *http.Response: The raw HTTP response object.
// - error: An error if the HTTP request or JSON decoding fails.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()

	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		// An empty body is a valid response.
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		return resp, errors.Wrap(err, "decoding response body")
	}
	return resp, err
}

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

package model

// batchTransitions is the closed transition graph for batches. Cancellation
// is reachable from every non-terminal state. Expired batches stay terminal;
// resubmission moves their unresolved requests into a fresh batch instead.
var batchTransitions = map[string][]string{
	BatchStatusBuilding:  {BatchStatusUploading, BatchStatusCancelled},
	BatchStatusUploading: {BatchStatusUploaded, BatchStatusFailed, BatchStatusCancelled},
	BatchStatusUploaded:  {BatchStatusPolling, BatchStatusFailed, BatchStatusCancelled},
	BatchStatusPolling:   {BatchStatusCompleted, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled},
	BatchStatusCompleted: {},
	BatchStatusFailed:    {},
	BatchStatusExpired:   {},
	BatchStatusCancelled: {},
}

// requestTransitions is the closed transition graph for requests. The
// processing→pending edge is the restart transition used by resubmission;
// delivering→delivering permits delivery retries, each of which appends its
// own audit record.
var requestTransitions = map[string][]string{
	RequestStatusPending:        {RequestStatusProcessing, RequestStatusCancelled},
	RequestStatusProcessing:     {RequestStatusProcessed, RequestStatusFailed, RequestStatusExpired, RequestStatusCancelled, RequestStatusPending},
	RequestStatusProcessed:      {RequestStatusDelivering, RequestStatusCancelled},
	RequestStatusDelivering:     {RequestStatusDelivered, RequestStatusDeliveryFailed, RequestStatusDelivering, RequestStatusCancelled},
	RequestStatusDelivered:      {},
	RequestStatusDeliveryFailed: {},
	RequestStatusFailed:         {},
	RequestStatusExpired:        {},
	RequestStatusCancelled:      {},
}

// CanTransitionBatch reports whether the batch graph has an edge from→to.
func CanTransitionBatch(from, to string) bool {
	return canTransition(batchTransitions, from, to)
}

// CanTransitionRequest reports whether the request graph has an edge from→to.
func CanTransitionRequest(from, to string) bool {
	return canTransition(requestTransitions, from, to)
}

// NextBatchStatuses returns the outgoing edges of a batch state.
func NextBatchStatuses(from string) []string {
	return append([]string(nil), batchTransitions[from]...)
}

// NextRequestStatuses returns the outgoing edges of a request state.
func NextRequestStatuses(from string) []string {
	return append([]string(nil), requestTransitions[from]...)
}

// IsTerminalBatchStatus reports whether a batch state has no outgoing edges.
func IsTerminalBatchStatus(status string) bool {
	edges, ok := batchTransitions[status]
	return ok && len(edges) == 0
}

// IsTerminalRequestStatus reports whether a request state has no outgoing edges.
func IsTerminalRequestStatus(status string) bool {
	edges, ok := requestTransitions[status]
	return ok && len(edges) == 0
}

// IsBatchStatus reports whether the string names a known batch state.
func IsBatchStatus(status string) bool {
	_, ok := batchTransitions[status]
	return ok
}

// IsRequestStatus reports whether the string names a known request state.
func IsRequestStatus(status string) bool {
	_, ok := requestTransitions[status]
	return ok
}

func canTransition(graph map[string][]string, from, to string) bool {
	for _, next := range graph[from] {
		if next == to {
			return true
		}
	}
	return false
}

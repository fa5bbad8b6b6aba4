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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchTransitions_HappyPath(t *testing.T) {
	path := []string{
		BatchStatusBuilding,
		BatchStatusUploading,
		BatchStatusUploaded,
		BatchStatusPolling,
		BatchStatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransitionBatch(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestBatchTransitions_CancelFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []string{BatchStatusBuilding, BatchStatusUploading, BatchStatusUploaded, BatchStatusPolling}
	for _, from := range nonTerminal {
		assert.True(t, CanTransitionBatch(from, BatchStatusCancelled), "cancel from %s", from)
	}
}

func TestBatchTransitions_TerminalStatesHaveNoEdges(t *testing.T) {
	terminals := []string{BatchStatusCompleted, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled}
	for _, from := range terminals {
		assert.True(t, IsTerminalBatchStatus(from))
		assert.Empty(t, NextBatchStatuses(from))
	}
}

func TestBatchTransitions_RejectsInvalidEdges(t *testing.T) {
	assert.False(t, CanTransitionBatch(BatchStatusBuilding, BatchStatusPolling))
	assert.False(t, CanTransitionBatch(BatchStatusCompleted, BatchStatusBuilding))
	assert.False(t, CanTransitionBatch(BatchStatusCancelled, BatchStatusCancelled))
	assert.False(t, CanTransitionBatch("unknown", BatchStatusBuilding))
}

func TestRequestTransitions_HappyPath(t *testing.T) {
	path := []string{
		RequestStatusPending,
		RequestStatusProcessing,
		RequestStatusProcessed,
		RequestStatusDelivering,
		RequestStatusDelivered,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransitionRequest(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestRequestTransitions_ResubmissionRestart(t *testing.T) {
	// An unresolved request of an expired remote job goes back to pending.
	assert.True(t, CanTransitionRequest(RequestStatusProcessing, RequestStatusPending))
	// But a delivered request never restarts.
	assert.False(t, CanTransitionRequest(RequestStatusDelivered, RequestStatusPending))
}

func TestRequestTransitions_DeliveryRetry(t *testing.T) {
	assert.True(t, CanTransitionRequest(RequestStatusDelivering, RequestStatusDelivering))
	assert.True(t, CanTransitionRequest(RequestStatusDelivering, RequestStatusDeliveryFailed))
}

func TestRequestTransitions_TerminalStates(t *testing.T) {
	terminals := []string{
		RequestStatusDelivered,
		RequestStatusDeliveryFailed,
		RequestStatusFailed,
		RequestStatusExpired,
		RequestStatusCancelled,
	}
	for _, s := range terminals {
		assert.True(t, IsTerminalRequestStatus(s))
	}
	assert.False(t, IsTerminalRequestStatus(RequestStatusDelivering))
}

func TestIsStatus(t *testing.T) {
	assert.True(t, IsBatchStatus(BatchStatusPolling))
	assert.False(t, IsBatchStatus("POLLING"))
	assert.True(t, IsRequestStatus(RequestStatusPending))
	assert.False(t, IsRequestStatus(""))
}

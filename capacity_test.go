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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/model"
)

func newTestCapacityController(db *MockDataSource) *CapacityController {
	cnf := &config.Configuration{
		Capacity: config.CapacityConfig{
			Buffer:             1.2,
			CharsPerToken:      4.0,
			MaxTokenizerBytes:  512 * 1024,
			FallbackTokenLimit: 30_000,
			BackoffBaseSec:     60,
			BackoffCapSec:      3600,
		},
	}
	if db == nil {
		db = &MockDataSource{}
	}
	return NewCapacityController(db, cnf)
}

func TestEstimateUsesTokenizerForKnownModels(t *testing.T) {
	c := newTestCapacityController(nil)

	payload := []byte(`{"messages":[{"role":"user","content":"hello world"}]}`)
	estimate := c.Estimate(payload, "gpt-4o-mini")
	if estimate.Source == model.EstimateSourceFallback {
		t.Skip("tokenizer data unavailable")
	}

	assert.Equal(t, model.EstimateSourceTokenizer, estimate.Source)
	assert.Greater(t, estimate.Tokens, int64(0))
	// Far fewer tokens than characters for plain text.
	assert.Less(t, estimate.Tokens, int64(len(payload)))
}

func TestEstimateFallsBackForUnknownModels(t *testing.T) {
	c := newTestCapacityController(nil)

	payload := []byte(strings.Repeat("a", 400))
	estimate := c.Estimate(payload, "some-custom-model")

	assert.Equal(t, model.EstimateSourceFallback, estimate.Source)
	// 400 chars / 4 chars-per-token * 1.2 buffer = 120.
	assert.Equal(t, int64(120), estimate.Tokens)
}

func TestEstimateNeverReturnsZeroTokens(t *testing.T) {
	c := newTestCapacityController(nil)

	for _, payload := range [][]byte{nil, {}, []byte("a")} {
		estimate := c.Estimate(payload, "some-custom-model")
		assert.GreaterOrEqual(t, estimate.Tokens, int64(1))
	}
}

func TestEstimateFallsBackForOversizedPayloads(t *testing.T) {
	c := newTestCapacityController(nil)
	c.conf.Capacity.MaxTokenizerBytes = 10

	payload := []byte(strings.Repeat("a", 40))
	estimate := c.Estimate(payload, "gpt-4o-mini")

	assert.Equal(t, model.EstimateSourceFallback, estimate.Source)
	assert.Equal(t, int64(12), estimate.Tokens)
}

func TestBudgetForPrefersOverride(t *testing.T) {
	db := &MockDataSource{
		MockGetAllCapacityOverrides: func(ctx context.Context) ([]model.ModelCapacityOverride, error) {
			return []model.ModelCapacityOverride{
				{ModelPrefix: "gpt-4o", TokenLimit: 500_000},
			}, nil
		},
	}
	c := newTestCapacityController(db)

	budget := c.BudgetFor(context.Background(), "gpt-4o-2024-08-06")
	assert.Equal(t, int64(500_000), budget.Limit)
	assert.Equal(t, model.BudgetSourceOverride, budget.Source)
}

func TestBudgetForUsesDefaultsWithoutOverride(t *testing.T) {
	c := newTestCapacityController(nil)

	budget := c.BudgetFor(context.Background(), "gpt-4o-mini")
	assert.Equal(t, int64(2_000_000), budget.Limit)
	assert.Equal(t, model.BudgetSourceDefault, budget.Source)
}

func TestBudgetForFallsBackForUnknownModels(t *testing.T) {
	c := newTestCapacityController(nil)

	budget := c.BudgetFor(context.Background(), "mystery-model")
	assert.Equal(t, int64(30_000), budget.Limit)
	assert.Equal(t, model.BudgetSourceFallback, budget.Source)
}

func TestBudgetForWarnsOncePerUnknownModel(t *testing.T) {
	c := newTestCapacityController(nil)

	c.BudgetFor(context.Background(), "mystery-model")
	c.BudgetFor(context.Background(), "mystery-model")
	c.BudgetFor(context.Background(), "other-mystery-model")

	assert.True(t, c.warned["mystery-model"])
	assert.True(t, c.warned["other-mystery-model"])
	assert.Len(t, c.warned, 2)
}

func TestCapacityBackoffDoublesAndCaps(t *testing.T) {
	c := newTestCapacityController(nil)

	assert.Equal(t, 60*time.Second, c.OnCapacityRejection("gpt-4o"))
	assert.Equal(t, 120*time.Second, c.OnCapacityRejection("gpt-4o"))
	assert.Equal(t, 240*time.Second, c.OnCapacityRejection("gpt-4o"))

	// Drive the counter far enough to hit the cap.
	var delay time.Duration
	for i := 0; i < 10; i++ {
		delay = c.OnCapacityRejection("gpt-4o")
	}
	assert.Equal(t, 3600*time.Second, delay)

	// A different model keeps its own counter.
	assert.Equal(t, 60*time.Second, c.OnCapacityRejection("gpt-3.5-turbo"))
}

func TestCapacityBackoffResetsOnAcceptance(t *testing.T) {
	c := newTestCapacityController(nil)

	c.OnCapacityRejection("gpt-4o")
	c.OnCapacityRejection("gpt-4o")
	c.OnAccepted("gpt-4o")

	assert.Equal(t, 60*time.Second, c.OnCapacityRejection("gpt-4o"))
}

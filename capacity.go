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
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"

	"github.com/batchlane/batchlane/config"
	"github.com/batchlane/batchlane/database"
	"github.com/batchlane/batchlane/model"
)

// CapacityController estimates token costs, resolves per-model budgets and
// paces submission after upstream capacity rejections.
type CapacityController struct {
	datasource database.IDataSource
	conf       *config.Configuration

	mu       sync.Mutex
	failures map[string]int // consecutive capacity rejections per model
	encoders map[string]*tiktoken.Tiktoken
	warned   map[string]bool // models already reported as budget-unknown
}

func NewCapacityController(db database.IDataSource, conf *config.Configuration) *CapacityController {
	return &CapacityController{
		datasource: db,
		conf:       conf,
		failures:   make(map[string]int),
		encoders:   make(map[string]*tiktoken.Tiktoken),
		warned:     make(map[string]bool),
	}
}

// Estimate computes the buffered token cost of a payload. Small payloads go
// through the real tokenizer; payloads over the configured size cutoff use the
// character heuristic, since tokenizing them would cost more than the
// precision is worth. The safety buffer is applied on top either way.
func (c *CapacityController) Estimate(payload []byte, modelName string) model.TokenEstimate {
	var raw int64
	source := model.EstimateSourceFallback

	if int64(len(payload)) <= c.conf.Capacity.MaxTokenizerBytes {
		if enc := c.encoderFor(modelName); enc != nil {
			raw = int64(len(enc.Encode(string(payload), nil, nil)))
			source = model.EstimateSourceTokenizer
		}
	}
	if source == model.EstimateSourceFallback {
		raw = int64(math.Ceil(float64(len(payload)) / c.conf.Capacity.CharsPerToken))
	}

	buffered := int64(math.Ceil(float64(raw) * c.conf.Capacity.Buffer))
	if buffered < 1 {
		// Every admitted request costs at least one token against the budget.
		buffered = 1
	}
	return model.TokenEstimate{Tokens: buffered, Source: source}
}

// BudgetFor resolves the token budget for a model: operator overrides first,
// then the built-in defaults, then the conservative fallback for unknown
// models. Longest prefix wins within each table.
func (c *CapacityController) BudgetFor(ctx context.Context, modelName string) model.TokenBudget {
	overrides, err := c.datasource.GetAllCapacityOverrides(ctx)
	if err != nil {
		logrus.Warnf("capacity override lookup failed, using defaults: %v", err)
	} else if len(overrides) > 0 {
		table := make(map[string]int64, len(overrides))
		for _, o := range overrides {
			table[o.ModelPrefix] = o.TokenLimit
		}
		if limit, ok := model.LongestPrefixBudget(table, modelName); ok {
			return model.TokenBudget{Limit: limit, Source: model.BudgetSourceOverride}
		}
	}

	if limit, ok := model.DefaultBudgetFor(modelName); ok {
		return model.TokenBudget{Limit: limit, Source: model.BudgetSourceDefault}
	}

	c.mu.Lock()
	if !c.warned[modelName] {
		c.warned[modelName] = true
		logrus.Warnf("no token budget known for model %s, using fallback limit %d",
			modelName, c.conf.Capacity.FallbackTokenLimit)
	}
	c.mu.Unlock()
	return model.TokenBudget{Limit: c.conf.Capacity.FallbackTokenLimit, Source: model.BudgetSourceFallback}
}

// OnCapacityRejection records an upstream capacity rejection for a model and
// returns how long to hold off before the next submission. The delay doubles
// per consecutive rejection up to the configured cap.
func (c *CapacityController) OnCapacityRejection(modelName string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[modelName]++
	base := time.Duration(c.conf.Capacity.BackoffBaseSec) * time.Second
	maxDelay := time.Duration(c.conf.Capacity.BackoffCapSec) * time.Second

	delay := base << (c.failures[modelName] - 1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// OnAccepted clears the backoff state for a model after a successful
// submission.
func (c *CapacityController) OnAccepted(modelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, modelName)
}

// encoderFor returns a cached tokenizer for the model, or nil when no
// encoding is known for it.
func (c *CapacityController) encoderFor(modelName string) *tiktoken.Tiktoken {
	encoding := modelToEncoding(modelName)
	if encoding == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[encoding]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logrus.Debugf("no tokenizer for model %s: %v", modelName, err)
		return nil
	}
	c.encoders[encoding] = enc
	return enc
}

// modelToEncoding maps model names to tokenizer encoding names. Returns an
// empty string for models with no known encoding.
func modelToEncoding(modelName string) string {
	switch {
	case strings.HasPrefix(modelName, "gpt-4o"),
		strings.HasPrefix(modelName, "gpt-4.1"),
		strings.HasPrefix(modelName, "o1"),
		strings.HasPrefix(modelName, "o3"),
		strings.HasPrefix(modelName, "o4"):
		return "o200k_base"
	case strings.HasPrefix(modelName, "gpt-4"),
		strings.HasPrefix(modelName, "gpt-3.5"):
		return "cl100k_base"
	default:
		if strings.Contains(modelName, "gpt") {
			return "o200k_base"
		}
		return ""
	}
}

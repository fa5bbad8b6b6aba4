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
	"sort"
	"strings"
	"time"
)

const (
	BudgetSourceOverride = "override"
	BudgetSourceDefault  = "default"
	BudgetSourceFallback = "fallback"

	EstimateSourceTokenizer = "tokenizer"
	EstimateSourceFallback  = "fallback"
)

// ModelCapacityOverride is an operator-supplied token budget for a model-name
// prefix. Longest-prefix match wins over the built-in defaults.
type ModelCapacityOverride struct {
	OverrideID  string    `json:"override_id"`
	ModelPrefix string    `json:"model_prefix"`
	TokenLimit  int64     `json:"token_limit"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenEstimate is the buffered token cost of one payload, with the source
// of the raw count for observability.
type TokenEstimate struct {
	Tokens int64  `json:"tokens"`
	Source string `json:"source"`
}

// TokenBudget is a resolved per-model budget and where it came from.
type TokenBudget struct {
	Limit  int64  `json:"limit"`
	Source string `json:"source"`
}

// defaultTokenBudgets holds the built-in batch-queue token limits for known
// model families. Operator overrides take precedence at any prefix length.
var defaultTokenBudgets = map[string]int64{
	"gpt-4o-mini":   2_000_000,
	"gpt-4o":        90_000,
	"gpt-4-turbo":   90_000,
	"gpt-4":         90_000,
	"gpt-3.5-turbo": 200_000,
}

// LongestPrefixBudget resolves a model name against a prefix→limit table,
// case-insensitively, preferring the longest matching prefix. The second
// return value is false when no prefix matches.
func LongestPrefixBudget(table map[string]int64, modelName string) (int64, bool) {
	lowered := strings.ToLower(modelName)

	prefixes := make([]string, 0, len(table))
	for p := range table {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, p := range prefixes {
		if strings.HasPrefix(lowered, strings.ToLower(p)) {
			return table[p], true
		}
	}
	return 0, false
}

// DefaultBudgetFor looks up the built-in default table.
func DefaultBudgetFor(modelName string) (int64, bool) {
	return LongestPrefixBudget(defaultTokenBudgets, modelName)
}

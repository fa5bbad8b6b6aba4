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

package database

import (
	"context"
	"time"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
)

// overridesCacheKey is invalidated on every write so readers never serve a
// stale budget table for more than one cache TTL.
const overridesCacheKey = "capacity:overrides"

// CreateCapacityOverride creates or replaces the override for a model prefix.
func (d Datasource) CreateCapacityOverride(ctx context.Context, override model.ModelCapacityOverride) (model.ModelCapacityOverride, error) {
	override.OverrideID = model.GenerateUUIDWithSuffix("cap")
	override.CreatedAt = time.Now()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO batchlane.capacity_overrides (override_id, model_prefix, token_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (LOWER(model_prefix))
		DO UPDATE SET token_limit = EXCLUDED.token_limit, override_id = EXCLUDED.override_id
	`, override.OverrideID, override.ModelPrefix, override.TokenLimit)
	if err != nil {
		return model.ModelCapacityOverride{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create capacity override", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Delete(ctx, overridesCacheKey)
	}
	return override, nil
}

// GetAllCapacityOverrides returns the override table, serving from cache when
// possible.
func (d Datasource) GetAllCapacityOverrides(ctx context.Context) ([]model.ModelCapacityOverride, error) {
	if d.Cache != nil {
		var cached []model.ModelCapacityOverride
		if err := d.Cache.Get(ctx, overridesCacheKey, &cached); err == nil && cached != nil {
			return cached, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT override_id, model_prefix, token_limit, created_at
		FROM batchlane.capacity_overrides
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve capacity overrides", err)
	}
	defer rows.Close()

	overrides := []model.ModelCapacityOverride{}
	for rows.Next() {
		o := model.ModelCapacityOverride{}
		if err := rows.Scan(&o.OverrideID, &o.ModelPrefix, &o.TokenLimit, &o.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan capacity override", err)
		}
		overrides = append(overrides, o)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over overrides", err)
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, overridesCacheKey, overrides, 5*time.Minute)
	}
	return overrides, nil
}

func (d Datasource) DeleteCapacityOverride(ctx context.Context, overrideID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM batchlane.capacity_overrides WHERE override_id = $1
	`, overrideID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete capacity override", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read delete result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Capacity override not found", nil)
	}

	if d.Cache != nil {
		_ = d.Cache.Delete(ctx, overridesCacheKey)
	}
	return nil
}

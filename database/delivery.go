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
	"database/sql"
	"encoding/json"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var deliveryTracer = otel.Tracer("batchlane.database")

// RecordDeliveryAttempt appends the next numbered attempt for a request and
// bumps the request's attempt counter in the same transaction. The request row
// is locked first, which serializes concurrent recorders and keeps attempt
// numbers strictly increasing with no gaps.
func (d Datasource) RecordDeliveryAttempt(ctx context.Context, requestID string, success bool, errMsg string, sink model.DeliveryConfig) (*model.DeliveryAttempt, error) {
	ctx, span := deliveryTracer.Start(ctx, "RecordDeliveryAttempt")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID), attribute.Bool("delivery.success", success))

	sinkJSON, err := json.Marshal(sink)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal sink config", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin attempt transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT delivery_attempts FROM batchlane.requests WHERE request_id = $1 FOR UPDATE
	`, requestID).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Request not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock request", err)
	}

	attempt := model.DeliveryAttempt{
		AttemptID:     model.GenerateUUIDWithSuffix("att"),
		RequestID:     requestID,
		AttemptNumber: attempts + 1,
		Success:       success,
		ErrorMessage:  errMsg,
		Sink:          sink,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO batchlane.delivery_attempts (attempt_id, request_id, attempt_number, success, error_message, sink)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, attempt.AttemptID, requestID, attempt.AttemptNumber, success, errMsg, sinkJSON).Scan(&attempt.CreatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert delivery attempt", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batchlane.requests SET delivery_attempts = $2, updated_at = NOW() WHERE request_id = $1
	`, requestID, attempt.AttemptNumber)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update attempt counter", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit delivery attempt", err)
	}
	return &attempt, nil
}

func (d Datasource) GetDeliveryAttempts(ctx context.Context, requestID string) ([]model.DeliveryAttempt, error) {
	ctx, span := deliveryTracer.Start(ctx, "GetDeliveryAttempts")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT attempt_id, request_id, attempt_number, success, COALESCE(error_message, ''), sink, created_at
		FROM batchlane.delivery_attempts
		WHERE request_id = $1
		ORDER BY attempt_number ASC
	`, requestID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve delivery attempts", err)
	}
	defer rows.Close()

	attempts := []model.DeliveryAttempt{}
	for rows.Next() {
		attempt := model.DeliveryAttempt{}
		var sinkJSON []byte
		err := rows.Scan(&attempt.AttemptID, &attempt.RequestID, &attempt.AttemptNumber, &attempt.Success, &attempt.ErrorMessage, &sinkJSON, &attempt.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan delivery attempt", err)
		}
		if err := json.Unmarshal(sinkJSON, &attempt.Sink); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal sink config", err)
		}
		attempts = append(attempts, attempt)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over attempts", err)
	}
	return attempts, nil
}

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
	"fmt"
	"time"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var requestTracer = otel.Tracer("batchlane.database")

const requestColumns = `
	request_id, batch_id, custom_id, endpoint, model,
	payload, payload_size, estimated_tokens, status,
	COALESCE(response, 'null'::jsonb), COALESCE(error_message, ''),
	delivery, delivery_attempts, created_at, updated_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*model.Request, error) {
	req := model.Request{}
	var payloadJSON, responseJSON, deliveryJSON []byte
	err := row.Scan(
		&req.RequestID, &req.BatchID, &req.CustomID, &req.Endpoint, &req.Model,
		&payloadJSON, &req.PayloadSize, &req.EstimatedTokens, &req.Status,
		&responseJSON, &req.ErrorMessage,
		&deliveryJSON, &req.DeliveryAttempts, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Payload = json.RawMessage(payloadJSON)
	if string(responseJSON) != "null" {
		req.Response = json.RawMessage(responseJSON)
	}
	if err := json.Unmarshal(deliveryJSON, &req.Delivery); err != nil {
		return nil, err
	}
	return &req, nil
}

func (d Datasource) GetRequest(ctx context.Context, requestID string) (*model.Request, error) {
	ctx, span := requestTracer.Start(ctx, "GetRequest")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM batchlane.requests
		WHERE request_id = $1
	`, requestID)
	req, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Request not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve request", err)
	}
	return req, nil
}

func (d Datasource) GetRequestByCustomID(ctx context.Context, customID string) (*model.Request, error) {
	ctx, span := requestTracer.Start(ctx, "GetRequestByCustomID")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM batchlane.requests
		WHERE custom_id = $1
	`, customID)
	req, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Request not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve request", err)
	}
	return req, nil
}

func (d Datasource) GetRequestsByBatch(ctx context.Context, batchID string, limit, offset int) ([]*model.Request, error) {
	ctx, span := requestTracer.Start(ctx, "GetRequestsByBatch")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM batchlane.requests
		WHERE batch_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`, batchID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve requests", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (d Datasource) GetRequestsByBatchAndStatus(ctx context.Context, batchID string, statuses []string) ([]*model.Request, error) {
	ctx, span := requestTracer.Start(ctx, "GetRequestsByBatchAndStatus")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM batchlane.requests
		WHERE batch_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC
	`, batchID, pq.Array(statuses))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve requests", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func collectRequests(rows *sql.Rows) ([]*model.Request, error) {
	requests := []*model.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan request data", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over requests", err)
	}
	return requests, nil
}

// TransitionRequest applies a state change after validating it against the
// transition graph, appending the audit record in the same transaction.
func (d Datasource) TransitionRequest(ctx context.Context, requestID, toStatus string) (*model.Request, error) {
	ctx, span := requestTracer.Start(ctx, "TransitionRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID), attribute.String("request.to_status", toStatus))

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transition transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var fromStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM batchlane.requests WHERE request_id = $1 FOR UPDATE
	`, requestID).Scan(&fromStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Request not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock request", err)
	}

	if !model.CanTransitionRequest(fromStatus, toStatus) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("Request cannot move from %s to %s", fromStatus, toStatus), nil)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE batchlane.requests SET status = $2, updated_at = NOW() WHERE request_id = $1
	`, requestID, toStatus)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update request status", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batchlane.request_transitions (request_id, from_status, to_status)
		VALUES ($1, $2, $3)
	`, requestID, fromStatus, toStatus)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record request transition", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit request transition", err)
	}
	return d.GetRequest(ctx, requestID)
}

// BulkTransitionRequests moves every request of a batch sitting in fromStatus
// to toStatus in one statement, writing one audit record per moved request.
// Returns the IDs that moved.
func (d Datasource) BulkTransitionRequests(ctx context.Context, batchID, fromStatus, toStatus string) ([]string, error) {
	ctx, span := requestTracer.Start(ctx, "BulkTransitionRequests")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	if !model.CanTransitionRequest(fromStatus, toStatus) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("Request cannot move from %s to %s", fromStatus, toStatus), nil)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin bulk transition", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		UPDATE batchlane.requests
		SET status = $3, updated_at = NOW()
		WHERE batch_id = $1 AND status = $2
		RETURNING request_id
	`, batchID, fromStatus, toStatus)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to bulk update requests", err)
	}
	moved := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan moved request", err)
		}
		moved = append(moved, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over moved requests", err)
	}
	rows.Close()

	for _, id := range moved {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batchlane.request_transitions (request_id, from_status, to_status)
			VALUES ($1, $2, $3)
		`, id, fromStatus, toStatus)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record bulk transition", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit bulk transition", err)
	}
	return moved, nil
}

// SetRequestResult stores the provider's per-request result and moves the
// request to its post-processing state in one transaction.
func (d Datasource) SetRequestResult(ctx context.Context, requestID string, response []byte, toStatus string, errMsg string) error {
	ctx, span := requestTracer.Start(ctx, "SetRequestResult")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin result transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var fromStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM batchlane.requests WHERE request_id = $1 FOR UPDATE
	`, requestID).Scan(&fromStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			return apierror.NewAPIError(apierror.ErrNotFound, "Request not found", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock request", err)
	}

	if !model.CanTransitionRequest(fromStatus, toStatus) {
		return apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("Request cannot move from %s to %s", fromStatus, toStatus), nil)
	}

	if response == nil {
		response = []byte("null")
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE batchlane.requests
		SET status = $2, response = $3, error_message = $4, updated_at = NOW()
		WHERE request_id = $1
	`, requestID, toStatus, response, errMsg)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to store request result", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batchlane.request_transitions (request_id, from_status, to_status)
		VALUES ($1, $2, $3)
	`, requestID, fromStatus, toStatus)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record result transition", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit request result", err)
	}
	return nil
}

// ResubmitRequest moves one unresolved request from an expired batch into an
// open batch, restarting it to pending and carrying its size and token weight
// onto the new batch's counters. The counter update carries the same guards as
// first admission, so a resubmission can never overfill the target batch; zero
// rows there surfaces as a capacity error and the caller rolls over to a fresh
// batch. A request already moved by an earlier replay is a no-op.
func (d Datasource) ResubmitRequest(ctx context.Context, oldBatchID, newBatchID string, req *model.Request, maxRequests int, maxSizeBytes int64) error {
	ctx, span := requestTracer.Start(ctx, "ResubmitRequest")
	defer span.End()
	span.SetAttributes(attribute.String("batch.old_id", oldBatchID), attribute.String("batch.new_id", newBatchID), attribute.String("request.id", req.RequestID))

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin resubmission transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE batchlane.batches
		SET request_count = request_count + 1,
			size_bytes = size_bytes + $2,
			estimated_tokens = estimated_tokens + $3,
			updated_at = NOW()
		WHERE batch_id = $1
			AND status = 'building'
			AND request_count < $4
			AND size_bytes + $2 <= $5
	`, newBatchID, req.PayloadSize, req.EstimatedTokens, maxRequests, maxSizeBytes)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update batch counters", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read resubmission result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrCapacity, "Batch is full or no longer open for admission", fmt.Errorf("batch %s rejected resubmission", newBatchID))
	}

	moved, err := tx.ExecContext(ctx, `
		UPDATE batchlane.requests
		SET batch_id = $3, status = 'pending', response = NULL, error_message = '', updated_at = NOW()
		WHERE request_id = $1 AND batch_id = $2 AND status = 'processing'
	`, req.RequestID, oldBatchID, newBatchID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to move request to new batch", err)
	}
	if movedRows, err := moved.RowsAffected(); err == nil && movedRows == 0 {
		// Already resubmitted by an earlier replay of this stage. Dropping the
		// transaction keeps the counter increment out too.
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batchlane.request_transitions (request_id, from_status, to_status)
		VALUES ($1, 'processing', 'pending')
	`, req.RequestID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record resubmission transition", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit resubmission", err)
	}
	return nil
}

func (d Datasource) GetRequestTransitions(ctx context.Context, requestID string) ([]model.Transition, error) {
	ctx, span := requestTracer.Start(ctx, "GetRequestTransitions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, request_id, COALESCE(from_status, ''), to_status, created_at
		FROM batchlane.request_transitions
		WHERE request_id = $1
		ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve request transitions", err)
	}
	defer rows.Close()

	transitions := []model.Transition{}
	for rows.Next() {
		t := model.Transition{}
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.FromStatus, &t.ToStatus, &t.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transition data", err)
		}
		transitions = append(transitions, t)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transitions", err)
	}
	return transitions, nil
}

// GetStuckDeliveringRequests finds requests that entered delivering but never
// reached a terminal delivery state, so the sweeper can requeue them.
func (d Datasource) GetStuckDeliveringRequests(ctx context.Context, olderThan time.Duration) ([]*model.Request, error) {
	ctx, span := requestTracer.Start(ctx, "GetStuckDeliveringRequests")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM batchlane.requests
		WHERE status = 'delivering' AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
	`, fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck requests", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

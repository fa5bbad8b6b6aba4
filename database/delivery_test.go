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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/batchlane/batchlane/internal/apierror"
	"github.com/batchlane/batchlane/model"
	"github.com/stretchr/testify/assert"
)

func TestRecordDeliveryAttempt_NumbersFromCounter(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	sink := model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com/hook"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT delivery_attempts FROM batchlane.requests").
		WithArgs("req_1").
		WillReturnRows(sqlmock.NewRows([]string{"delivery_attempts"}).AddRow(2))
	mock.ExpectQuery("INSERT INTO batchlane.delivery_attempts").
		WithArgs(sqlmock.AnyArg(), "req_1", 3, false, "connection refused", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE batchlane.requests").
		WithArgs("req_1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempt, err := ds.RecordDeliveryAttempt(context.Background(), "req_1", false, "connection refused", sink)
	assert.NoError(t, err)
	assert.Equal(t, 3, attempt.AttemptNumber)
	assert.False(t, attempt.Success)
	assert.NotEmpty(t, attempt.AttemptID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryAttempt_RequestNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT delivery_attempts FROM batchlane.requests").
		WithArgs("req_missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err = ds.RecordDeliveryAttempt(context.Background(), "req_missing", true, "", model.DeliveryConfig{Type: model.SinkWebhook, URL: "https://example.com"})
	assert.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}

func TestGetDeliveryAttempts_Ordered(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	sinkJSON := []byte(`{"type":"webhook","url":"https://example.com/hook"}`)
	rows := sqlmock.NewRows([]string{"attempt_id", "request_id", "attempt_number", "success", "error_message", "sink", "created_at"}).
		AddRow("att_1", "req_1", 1, false, "timeout", sinkJSON, time.Now()).
		AddRow("att_2", "req_1", 2, true, "", sinkJSON, time.Now())

	mock.ExpectQuery("SELECT (.+) FROM batchlane.delivery_attempts").
		WithArgs("req_1").
		WillReturnRows(rows)

	attempts, err := ds.GetDeliveryAttempts(context.Background(), "req_1")
	assert.NoError(t, err)
	assert.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.True(t, attempts[1].Success)
	assert.Equal(t, model.SinkWebhook, attempts[0].Sink.Type)
}

// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"foundry/pkg/foundry"
)

// InsertWebhookDelivery persists a raw delivery. Returns ErrConflict if
// delivery_id was already recorded (replay dedupe, spec §8).
func (s *Store) InsertWebhookDelivery(ctx context.Context, eventType, deliveryID string, signatureValid bool, payload []byte) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `INSERT INTO webhook_event
			(event_type, delivery_id, signature_valid, payload, processed, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			eventType, deliveryID, signatureValid, payload, now)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert webhook delivery: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// isUniqueConstraintErr reports whether err came from violating the
// webhook_event(delivery_id) unique index. modernc.org/sqlite returns an
// error whose text names the constraint; string-matching it is the
// documented way to detect this with the pure-Go driver.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, []string{"UNIQUE constraint failed", "constraint failed: UNIQUE"})
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// GetWebhookDeliveryByDeliveryID looks up an existing delivery row by its
// provider-assigned delivery id.
func (s *Store) GetWebhookDeliveryByDeliveryID(ctx context.Context, deliveryID string) (*foundry.WebhookDelivery, error) {
	var d *foundry.WebhookDelivery
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, webhookSelectCols+` FROM webhook_event WHERE delivery_id = ?`, deliveryID)
		wd, err := scanWebhookDelivery(row)
		if err != nil {
			return err
		}
		d = wd
		return nil
	})
	return d, err
}

const webhookSelectCols = `SELECT id, event_type, delivery_id, signature_valid, payload, processed, job_id, error_message, created_at`

func scanWebhookDelivery(row rowScanner) (*foundry.WebhookDelivery, error) {
	var d foundry.WebhookDelivery
	var sigValid, processed int
	var jobID sql.NullInt64
	var errMsg sql.NullString
	var createdAt string
	err := row.Scan(&d.ID, &d.EventType, &d.DeliveryID, &sigValid, &d.Payload, &processed, &jobID, &errMsg, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook delivery: %w", err)
	}
	d.SignatureValid = sigValid != 0
	d.Processed = processed != 0
	d.JobID = fromNullInt64Ptr(jobID)
	d.ErrorMessage = fromNullStringPtr(errMsg)
	if t, err := parseTime(createdAt); err == nil {
		d.CreatedAt = t
	}
	return &d, nil
}

// MarkWebhookProcessed records the outcome of processing a delivery:
// whether it resulted in an enqueued job, or why it was filtered/rejected.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id int64, jobID *int64, errMsg *string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE webhook_event SET processed = 1, job_id = ?, error_message = ? WHERE id = ?`,
			nullFromInt64Ptr(jobID), nullFromStringPtr(errMsg), id)
		if err != nil {
			return fmt.Errorf("mark webhook processed: %w", err)
		}
		return nil
	})
}

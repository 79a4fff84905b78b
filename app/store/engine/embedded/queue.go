package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// QueuePut enqueues one work item with its retry budget and absolute
// expiration.
func (e *Embedded) QueuePut(ctx context.Context, queueName string, body []byte, availableAfter time.Duration, retries int, expiration time.Duration) error {
	now := nowMs()
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (queue_name, body, available_after_ms, expires_at_ms, retries_remaining, processing_expires_ms)
		 values(?, ?, ?, ?, ?, NULL)`, queueItemsTable),
		queueName, string(body), now+availableAfter.Milliseconds(), now+expiration.Milliseconds(), retries)
	return errors.Wrapf(err, "failed to enqueue into %s", queueName)
}

// QueueGet claims the oldest available item of the queue. The claim sets the
// processing lease and burns one retry inside the same transaction, so two
// workers can never hold the same item while a lease is live. ErrNotFound means
// an empty queue.
func (e *Embedded) QueueGet(ctx context.Context, queueName string, processingTime time.Duration) (item store.QueueItem, err error) {
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		var body string
		errRow := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id, queue_name, body, available_after_ms, expires_at_ms, retries_remaining, processing_expires_ms
			 FROM %s WHERE queue_name = ? AND available_after_ms <= ? AND expires_at_ms > ? AND retries_remaining > 0
			 AND (processing_expires_ms IS NULL OR processing_expires_ms <= ?)
			 ORDER BY id LIMIT 1`, queueItemsTable),
			queueName, now, now, now).Scan(&item.ID, &item.QueueName, &body,
			&item.AvailableAfterMs, &item.ExpiresAtMs, &item.RetriesRemaining, &item.ProcessingExpiresMs)
		if errRow == sql.ErrNoRows {
			return engine.ErrNotFound
		}
		if errRow != nil {
			return errors.Wrapf(errRow, "failed to select queue item from %s", queueName)
		}
		item.Body = []byte(body)

		lease := now + processingTime.Milliseconds()
		if _, errClaim := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET processing_expires_ms = ?, retries_remaining = retries_remaining - 1 WHERE id = ?`,
			queueItemsTable), lease, item.ID); errClaim != nil {
			return errors.Wrap(errClaim, "failed to claim queue item")
		}
		item.ProcessingExpiresMs = &lease
		item.RetriesRemaining--
		return nil
	})
	if err != nil {
		return store.QueueItem{}, err
	}
	return item, nil
}

// QueueComplete removes a finished item.
func (e *Embedded) QueueComplete(ctx context.Context, itemID int64) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, queueItemsTable), itemID)
	if err != nil {
		return errors.Wrapf(err, "failed to complete queue item %d", itemID)
	}
	return noRowsAsNotFound(res)
}

// QueueIncomplete returns a failed item to the queue. restoreRetry refunds the
// retry burned on claim, used when the failure was environmental rather than
// the item's fault.
func (e *Embedded) QueueIncomplete(ctx context.Context, itemID int64, restoreRetry bool, retryAfter time.Duration) error {
	retryDelta := 0
	if restoreRetry {
		retryDelta = 1
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET processing_expires_ms = NULL, available_after_ms = ?, retries_remaining = retries_remaining + ?
		 WHERE id = ?`, queueItemsTable),
		nowMs()+retryAfter.Milliseconds(), retryDelta, itemID)
	if err != nil {
		return errors.Wrapf(err, "failed to return queue item %d", itemID)
	}
	return noRowsAsNotFound(res)
}

// QueueExtendProcessing pushes the lease of a long-running item forward and
// optionally persists updated body state alongside.
func (e *Embedded) QueueExtendProcessing(ctx context.Context, itemID int64, secondsFromNow int64, updatedBody []byte) error {
	lease := nowMs() + secondsFromNow*1000
	var res sql.Result
	var err error
	if updatedBody != nil {
		res, err = e.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET processing_expires_ms = ?, body = ? WHERE id = ?`, queueItemsTable),
			lease, string(updatedBody), itemID)
	} else {
		res, err = e.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET processing_expires_ms = ? WHERE id = ?`, queueItemsTable), lease, itemID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to extend queue item %d", itemID)
	}
	return noRowsAsNotFound(res)
}

// QueueDeleteExpired removes items past their absolute expiration or out of
// retries, in bounded batches up to countLimit total.
func (e *Embedded) QueueDeleteExpired(ctx context.Context, threshold time.Duration, countLimit, batchSize int) (int64, error) {
	cutoff := nowMs() - threshold.Milliseconds()
	var total int64
	for total < int64(countLimit) {
		limit := batchSize
		if remaining := int(int64(countLimit) - total); remaining < limit {
			limit = remaining
		}
		res, err := e.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE id IN (
				SELECT id FROM %s WHERE (expires_at_ms <= ? OR retries_remaining <= 0)
				AND (processing_expires_ms IS NULL OR processing_expires_ms <= ?) LIMIT ?)`,
			queueItemsTable, queueItemsTable), cutoff, nowMs(), limit)
		if err != nil {
			return total, errors.Wrap(err, "failed to delete expired queue items")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			break
		}
	}
	return total, nil
}

// QueueStats reports the depth and the age of the oldest available item, both
// exported as gauges by the queue workers.
func (e *Embedded) QueueStats(ctx context.Context, queueName string) (depth int64, oldestMs int64, err error) {
	now := nowMs()
	var oldest sql.NullInt64
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*), MIN(available_after_ms) FROM %s
		 WHERE queue_name = ? AND expires_at_ms > ? AND retries_remaining > 0
		 AND (processing_expires_ms IS NULL OR processing_expires_ms <= ?)`, queueItemsTable),
		queueName, now, now).Scan(&depth, &oldest)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to compute stats for %s", queueName)
	}
	if oldest.Valid {
		oldestMs = oldest.Int64
	}
	return depth, oldestMs, nil
}

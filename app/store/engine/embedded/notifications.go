package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

const notificationColumns = "id, uuid, repository_id, event, method, event_config, method_config, failure_count, enabled"

func scanNotification(row interface{ Scan(...interface{}) error }) (n store.RegisteredNotification, err error) {
	var eventCfg, methodCfg string
	var enabled int
	err = row.Scan(&n.ID, &n.UUID, &n.RepositoryID, &n.Event, &n.Method, &eventCfg, &methodCfg, &n.FailureCount, &enabled)
	if err != nil {
		return n, err
	}
	n.EventConfig = []byte(eventCfg)
	n.MethodConfig = []byte(methodCfg)
	n.Enabled = enabled != 0
	return n, nil
}

// CreateNotification registers an event/method binding on a repository.
func (e *Embedded) CreateNotification(ctx context.Context, n *store.RegisteredNotification) error {
	eventCfg := string(n.EventConfig)
	if eventCfg == "" {
		eventCfg = "{}"
	}
	methodCfg := string(n.MethodConfig)
	if methodCfg == "" {
		methodCfg = "{}"
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (uuid, repository_id, event, method, event_config, method_config, failure_count, enabled)
		 values(?, ?, ?, ?, ?, ?, 0, 1)`, notificationsTable),
		n.UUID, n.RepositoryID, n.Event, n.Method, eventCfg, methodCfg)
	if err != nil {
		return errors.Wrapf(err, "failed to create notification %s", n.UUID)
	}
	n.Enabled = true
	n.ID, err = res.LastInsertId()
	return err
}

// GetNotificationByUUID fetches one registered notification.
func (e *Embedded) GetNotificationByUUID(ctx context.Context, uuid string) (store.RegisteredNotification, error) {
	n, err := scanNotification(e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE uuid = ?`, notificationColumns, notificationsTable), uuid))
	if err == sql.ErrNoRows {
		return n, engine.ErrNotFound
	}
	return n, errors.Wrapf(err, "failed to get notification %s", uuid)
}

// ListNotificationsForRepo lists the enabled notifications of a repository,
// optionally narrowed to one event kind.
func (e *Embedded) ListNotificationsForRepo(ctx context.Context, repoID int64, event string) ([]store.RegisteredNotification, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE repository_id = ? AND enabled = 1`, notificationColumns, notificationsTable)
	args := []interface{}{repoID}
	if event != "" {
		query += " AND event = ?"
		args = append(args, event)
	}
	query += " ORDER BY id"

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer func() { _ = rows.Close() }()

	var result []store.RegisteredNotification
	for rows.Next() {
		n, errScan := scanNotification(rows)
		if errScan != nil {
			return nil, errScan
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// BumpNotificationFailure increments the failure counter and disables the
// notification once it reaches the threshold.
func (e *Embedded) BumpNotificationFailure(ctx context.Context, uuid string, disableThreshold int) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET failure_count = failure_count + 1,
			enabled = CASE WHEN failure_count + 1 >= ? THEN 0 ELSE enabled END
		 WHERE uuid = ?`, notificationsTable),
		disableThreshold, uuid)
	if err != nil {
		return errors.Wrapf(err, "failed to bump notification failure %s", uuid)
	}
	return noRowsAsNotFound(res)
}

// ResetNotificationFailure clears the counter after a successful delivery.
func (e *Embedded) ResetNotificationFailure(ctx context.Context, uuid string) error {
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET failure_count = 0 WHERE uuid = ?`, notificationsTable), uuid)
	if err != nil {
		return errors.Wrapf(err, "failed to reset notification failure %s", uuid)
	}
	return noRowsAsNotFound(res)
}

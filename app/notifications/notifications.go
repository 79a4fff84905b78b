package notifications

import (
	"context"
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/worker"
)

// DefaultDisableThreshold is the failure count at which a notification stops
// being delivered until a user re-enables it.
const DefaultDisableThreshold = 3

// notificationStore is the slice of the storage engine the dispatcher consumes.
type notificationStore interface {
	GetNotificationByUUID(ctx context.Context, uuid string) (store.RegisteredNotification, error)
	ListNotificationsForRepo(ctx context.Context, repoID int64, event string) ([]store.RegisteredNotification, error)
	BumpNotificationFailure(ctx context.Context, uuid string, disableThreshold int) error
	ResetNotificationFailure(ctx context.Context, uuid string) error
}

// queuedEvent is the queue item body connecting an event occurrence to one
// registered notification.
type queuedEvent struct {
	NotificationUUID string                 `json:"notification_uuid"`
	Event            string                 `json:"event"`
	Namespace        string                 `json:"namespace"`
	Repository       string                 `json:"repository"`
	Data             map[string]interface{} `json:"event_data,omitempty"`
}

// Dispatcher resolves queued events to registered notifications and drives
// their delivery methods. One failed delivery bumps the notification's failure
// counter, enough failures in a row disable it.
type Dispatcher struct {
	eng              notificationStore
	methods          map[string]Method
	disableThreshold int
	l                log.L
}

// NewDispatcher makes a dispatcher over the given delivery methods.
func NewDispatcher(eng notificationStore, disableThreshold int, l log.L, methods ...Method) *Dispatcher {
	if disableThreshold <= 0 {
		disableThreshold = DefaultDisableThreshold
	}
	if l == nil {
		l = log.Default()
	}
	byName := make(map[string]Method, len(methods))
	for _, m := range methods {
		byName[m.Name()] = m
	}
	return &Dispatcher{eng: eng, methods: byName, disableThreshold: disableThreshold, l: l}
}

// Validate checks a registration before it is stored, both the event kind and
// the method config.
func (d *Dispatcher) Validate(n store.RegisteredNotification) error {
	if !ValidEvent(n.Event) {
		return errors.Wrapf(store.ErrInvalidNotificationEvent, "event %q", n.Event)
	}
	method, ok := d.methods[n.Method]
	if !ok {
		return errors.Wrapf(store.ErrInvalidNotificationMethod, "method %q", n.Method)
	}
	return method.Validate(n.MethodConfig)
}

// Enqueue puts one queue item per enabled registration matching the event on
// the repository. Delivery happens asynchronously in the notification worker.
func (d *Dispatcher) Enqueue(ctx context.Context, q *queue.Queue, repo store.Repository,
	event string, data map[string]interface{}) error {

	registered, err := d.eng.ListNotificationsForRepo(ctx, repo.ID, event)
	if err != nil {
		return errors.Wrapf(err, "failed to list notifications for repository %d", repo.ID)
	}
	for _, n := range registered {
		body := queuedEvent{
			NotificationUUID: n.UUID,
			Event:            event,
			Namespace:        repo.Namespace,
			Repository:       repo.Name,
			Data:             data,
		}
		if err = q.Put(ctx, body, queue.PutOptions{}); err != nil {
			return errors.Wrapf(err, "failed to enqueue notification %s", n.UUID)
		}
	}
	return nil
}

// Dispatch is the queue processor delivering one queued event. Registrations
// that disappeared or were disabled are dropped, a failed delivery returns the
// error so the queue redrives the item.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) error {
	var ev queuedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return &worker.JobError{Cause: errors.Wrap(err, "failed to unmarshal queued event")}
	}

	n, err := d.eng.GetNotificationByUUID(ctx, ev.NotificationUUID)
	if err == engine.ErrNotFound {
		return &worker.JobError{Cause: errors.Errorf("notification %s no longer exists", ev.NotificationUUID)}
	}
	if err != nil {
		return errors.Wrapf(err, "failed to get notification %s", ev.NotificationUUID)
	}
	if !n.Enabled {
		d.l.Logf("[DEBUG] notification %s disabled, dropping %s event", n.UUID, ev.Event)
		return nil
	}
	if !ShouldPerform(ev.Event, ev.Data, n) {
		d.l.Logf("[DEBUG] notification %s filtered out %s event", n.UUID, ev.Event)
		return nil
	}

	method, ok := d.methods[n.Method]
	if !ok {
		return &worker.JobError{Cause: errors.Wrapf(store.ErrInvalidNotificationMethod, "method %q", n.Method)}
	}

	payload := Payload{
		Event:      ev.Event,
		Namespace:  ev.Namespace,
		Repository: ev.Repository,
		Level:      EventLevel(ev.Event),
		Data:       ev.Data,
	}
	if err = method.Perform(ctx, n.MethodConfig, payload); err != nil {
		if bumpErr := d.eng.BumpNotificationFailure(ctx, n.UUID, d.disableThreshold); bumpErr != nil {
			d.l.Logf("[WARN] failed to bump failure count of notification %s: %v", n.UUID, bumpErr)
		}
		return errors.Wrapf(err, "failed to deliver notification %s via %s", n.UUID, n.Method)
	}

	if err = d.eng.ResetNotificationFailure(ctx, n.UUID); err != nil {
		d.l.Logf("[WARN] failed to reset failure count of notification %s: %v", n.UUID, err)
	}
	d.l.Logf("[INFO] delivered %s event for %s/%s via %s", ev.Event, ev.Namespace, ev.Repository, n.Method)
	return nil
}

// NewNotificationWorker builds the queue worker draining the notification
// dispatch queue through the dispatcher.
func NewNotificationWorker(d *Dispatcher, q *queue.Queue, settings worker.QueueWorkerSettings,
	metrics *queue.Metrics, opts ...worker.Option) *worker.QueueWorker {
	return worker.NewQueueWorker("notification", q, d.Dispatch, settings, metrics, opts...)
}

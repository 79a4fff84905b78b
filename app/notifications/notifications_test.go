package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine/embedded"
	"github.com/ocistack/stevedore/app/worker"
)

func TestShouldPerform_BuildRefRegex(t *testing.T) {
	data := map[string]interface{}{
		"trigger_metadata": map[string]interface{}{"ref": "refs/heads/master"},
	}

	n := store.RegisteredNotification{EventConfig: []byte(`{"ref-regex":"refs/heads/master"}`)}
	assert.True(t, ShouldPerform(EventBuildSuccess, data, n))

	other := map[string]interface{}{
		"trigger_metadata": map[string]interface{}{"ref": "refs/heads/somebranch"},
	}
	assert.False(t, ShouldPerform(EventBuildSuccess, other, n))

	// a regex that does not compile suppresses delivery
	n.EventConfig = []byte(`{"ref-regex":"]["}`)
	assert.False(t, ShouldPerform(EventBuildSuccess, data, n))

	// no filter lets everything through
	n.EventConfig = nil
	assert.True(t, ShouldPerform(EventBuildSuccess, data, n))
	assert.True(t, ShouldPerform(EventBuildStart, map[string]interface{}{}, n))
}

func TestShouldPerform_VulnerabilityLevel(t *testing.T) {
	highFinding := map[string]interface{}{
		"vulnerability": map[string]interface{}{"id": "CVE-2024-0001", "priority": "High"},
	}
	lowFinding := map[string]interface{}{
		"vulnerability": map[string]interface{}{"id": "CVE-2024-0002", "priority": "Low"},
	}

	n := store.RegisteredNotification{EventConfig: []byte(`{"level":2}`)} // High and up
	assert.True(t, ShouldPerform(EventVulnerabilityFound, highFinding, n))
	assert.False(t, ShouldPerform(EventVulnerabilityFound, lowFinding, n))

	n.EventConfig = nil
	assert.True(t, ShouldPerform(EventVulnerabilityFound, lowFinding, n))

	// non-scanner events ignore the filter entirely
	assert.True(t, ShouldPerform(EventRepoPush, nil, n))
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityRank("Critical"), SeverityRank("High"))
	assert.Less(t, SeverityRank("High"), SeverityRank("Low"))
	assert.Equal(t, SeverityRank("Unknown"), SeverityRank("no-such-severity"))
}

func TestWebhookMethod_Perform(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer ts.Close()

	m := &WebhookMethod{}
	cfg := []byte(`{"url":"` + ts.URL + `"}`)
	payload := Payload{Event: EventRepoPush, Namespace: "library", Repository: "alpine", Level: "info"}

	require.NoError(t, m.Perform(context.Background(), cfg, payload))
	assert.Equal(t, "repo_push", got["event"])
	assert.Equal(t, "library", got["namespace"])
}

func TestWebhookMethod_Template(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer ts.Close()

	cfg := []byte(`{"url":"` + ts.URL + `","template":{"text":"{event} on {namespace}/{repository}","nested":{"severity":"{level}"}}}`)
	payload := Payload{Event: EventBuildFailure, Namespace: "library", Repository: "alpine", Level: "error"}

	require.NoError(t, (&WebhookMethod{}).Perform(context.Background(), cfg, payload))
	assert.Equal(t, "build_failure on library/alpine", got["text"])
	nested, ok := got["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "error", nested["severity"])
}

func TestWebhookMethod_Blacklist(t *testing.T) {
	m := &WebhookMethod{Blacklist: []string{"internal.example.com"}}

	rejected := []string{
		`{"url":"http://localhost/hook"}`,
		`{"url":"http://127.0.0.1:8080/hook"}`,
		`{"url":"http://internal.example.com/hook"}`,
		`{"url":"ftp://example.com/hook"}`,
		`{"url":"not a url"}`,
	}
	for _, cfg := range rejected {
		assert.ErrorIs(t, m.Validate([]byte(cfg)), store.ErrInvalidNotificationMethod, cfg)
		assert.ErrorIs(t, m.Perform(context.Background(), []byte(cfg), Payload{}), store.ErrInvalidNotificationMethod, cfg)
	}

	assert.NoError(t, m.Validate([]byte(`{"url":"https://hooks.example.com/x"}`)))
}

func TestWebhookMethod_ReceiverRejects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := (&WebhookMethod{}).Perform(context.Background(), []byte(`{"url":"`+ts.URL+`"}`), Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestSlackMethod_Perform(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer ts.Close()

	payload := Payload{Event: EventBuildSuccess, Namespace: "library", Repository: "alpine", Level: "success"}
	require.NoError(t, (&SlackMethod{}).Perform(context.Background(), []byte(`{"url":"`+ts.URL+`"}`), payload))

	attachments, ok := got["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	att, ok := attachments[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "good", att["color"])

	assert.ErrorIs(t, (&SlackMethod{}).Validate([]byte(`{}`)), store.ErrInvalidNotificationMethod)
}

// prepDispatcher seeds one repository with a webhook notification pointed at
// the given receiver URL.
func prepDispatcher(t *testing.T, receiverURL string) (*Dispatcher, *queue.Queue, store.Repository, context.Context) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	t.Cleanup(ctxCancel)

	db := embedded.NewEmbedded(t.TempDir() + "/test.db")
	require.NoError(t, db.Connect(ctx))

	ns := store.Namespace{Name: "library"}
	require.NoError(t, db.CreateNamespace(ctx, &ns))
	repo := store.Repository{NamespaceID: ns.ID, Namespace: ns.Name, Name: "alpine",
		Visibility: store.VisibilityPublic, State: store.StateNormal}
	require.NoError(t, db.CreateRepository(ctx, &repo))

	n := store.RegisteredNotification{
		UUID:         "n-1",
		RepositoryID: repo.ID,
		Event:        EventRepoPush,
		Method:       "webhook",
		MethodConfig: []byte(`{"url":"` + receiverURL + `"}`),
	}
	require.NoError(t, db.CreateNotification(ctx, &n))

	d := NewDispatcher(db, 2, log.Default(), &WebhookMethod{}, &SlackMethod{}, &InternalMethod{L: log.Default()})
	return d, queue.New("notification_dispatch", db), repo, ctx
}

func TestDispatcher_EnqueueAndDispatch(t *testing.T) {
	var delivered int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
	}))
	defer ts.Close()

	d, q, repo, ctx := prepDispatcher(t, ts.URL)

	data := map[string]interface{}{"tag": "latest"}
	require.NoError(t, d.Enqueue(ctx, q, repo, EventRepoPush, data))

	// only the matching registration produced an item
	require.NoError(t, d.Enqueue(ctx, q, repo, EventBuildFailure, nil))
	depth, _, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	item, err := q.Get(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(ctx, item.Body))
	assert.Equal(t, 1, delivered)
	require.NoError(t, q.Complete(ctx, item))
}

func TestDispatcher_FailureDisablesNotification(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	d, _, _, ctx := prepDispatcher(t, ts.URL)

	body, err := json.Marshal(queuedEvent{NotificationUUID: "n-1", Event: EventRepoPush,
		Namespace: "library", Repository: "alpine"})
	require.NoError(t, err)

	// threshold is 2, two failed deliveries disable the registration
	require.Error(t, d.Dispatch(ctx, body))
	require.Error(t, d.Dispatch(ctx, body))

	n, err := d.eng.GetNotificationByUUID(ctx, "n-1")
	require.NoError(t, err)
	assert.False(t, n.Enabled)
	assert.Equal(t, 2, n.FailureCount)

	// disabled registrations drop events without contacting the receiver
	require.NoError(t, d.Dispatch(ctx, body))
}

func TestDispatcher_SuccessResetsFailureCount(t *testing.T) {
	var fail bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer ts.Close()

	d, _, _, ctx := prepDispatcher(t, ts.URL)
	body, err := json.Marshal(queuedEvent{NotificationUUID: "n-1", Event: EventRepoPush,
		Namespace: "library", Repository: "alpine"})
	require.NoError(t, err)

	fail = true
	require.Error(t, d.Dispatch(ctx, body))
	fail = false
	require.NoError(t, d.Dispatch(ctx, body))

	n, err := d.eng.GetNotificationByUUID(ctx, "n-1")
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, 0, n.FailureCount)
}

func TestDispatcher_MissingNotificationFailsPermanently(t *testing.T) {
	d, _, _, ctx := prepDispatcher(t, "http://example.com")

	body, err := json.Marshal(queuedEvent{NotificationUUID: "no-such-uuid", Event: EventRepoPush})
	require.NoError(t, err)

	err = d.Dispatch(ctx, body)
	var jerr *worker.JobError
	require.ErrorAs(t, err, &jerr)

	err = d.Dispatch(ctx, []byte("not json"))
	require.ErrorAs(t, err, &jerr)
}

func TestDispatcher_Validate(t *testing.T) {
	d := NewDispatcher(nil, 0, nil, &WebhookMethod{}, &SlackMethod{})

	assert.ErrorIs(t, d.Validate(store.RegisteredNotification{Event: "no_such_event", Method: "webhook"}),
		store.ErrInvalidNotificationEvent)
	assert.ErrorIs(t, d.Validate(store.RegisteredNotification{Event: EventRepoPush, Method: "carrier_pigeon"}),
		store.ErrInvalidNotificationMethod)
	assert.ErrorIs(t, d.Validate(store.RegisteredNotification{Event: EventRepoPush, Method: "webhook",
		MethodConfig: []byte(`{"url":"http://localhost/x"}`)}), store.ErrInvalidNotificationMethod)
	assert.NoError(t, d.Validate(store.RegisteredNotification{Event: EventRepoPush, Method: "webhook",
		MethodConfig: []byte(`{"url":"https://hooks.example.com/x"}`)}))
}

func TestDispatcher_FilteredEventIsDropped(t *testing.T) {
	var delivered int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
	}))
	defer ts.Close()

	ctx, ctxCancel := context.WithCancel(context.Background())
	t.Cleanup(ctxCancel)
	db := embedded.NewEmbedded(t.TempDir() + "/test.db")
	require.NoError(t, db.Connect(ctx))

	ns := store.Namespace{Name: "library"}
	require.NoError(t, db.CreateNamespace(ctx, &ns))
	repo := store.Repository{NamespaceID: ns.ID, Namespace: ns.Name, Name: "builder",
		Visibility: store.VisibilityPrivate, State: store.StateNormal}
	require.NoError(t, db.CreateRepository(ctx, &repo))

	n := store.RegisteredNotification{
		UUID:         "n-build",
		RepositoryID: repo.ID,
		Event:        EventBuildSuccess,
		Method:       "webhook",
		EventConfig:  []byte(`{"ref-regex":"refs/heads/master"}`),
		MethodConfig: []byte(`{"url":"` + ts.URL + `"}`),
	}
	require.NoError(t, db.CreateNotification(ctx, &n))

	d := NewDispatcher(db, 0, log.Default(), &WebhookMethod{})

	body, err := json.Marshal(queuedEvent{NotificationUUID: "n-build", Event: EventBuildSuccess,
		Namespace: "library", Repository: "builder",
		Data: map[string]interface{}{"trigger_metadata": map[string]interface{}{"ref": "refs/heads/somebranch"}}})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, body))
	assert.Zero(t, delivered, "filtered event must not reach the receiver")
}
